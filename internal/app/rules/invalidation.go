package rules

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// InvalidationBroadcaster publishes and subscribes to rule-cache
// invalidation messages over a Redis pub/sub channel, so every gateway
// instance's CachingResolver drops stale entries together rather than
// each instance trusting its own TTL alone. Grounded on
// internal/app/adapters/logconsumer's existing go-redis/redis/v8 client
// for this module, and on pkg/config.RedisConfig's pre-declared
// "cache-invalidation pub/sub" channel setting.
type InvalidationBroadcaster struct {
	client  *redis.Client
	channel string
	cache   *CachingResolver
	log     *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInvalidationBroadcaster constructs a broadcaster bound to channel on
// client, delivering invalidations to cache.
func NewInvalidationBroadcaster(client *redis.Client, channel string, cache *CachingResolver, log *logrus.Entry) *InvalidationBroadcaster {
	if channel == "" {
		channel = "gateway:invalidate"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &InvalidationBroadcaster{client: client, channel: channel, cache: cache, log: log}
}

func (b *InvalidationBroadcaster) Name() string { return "rules.invalidation" }

// Start begins a background subscriber loop. An empty message body
// invalidates every tenant's cached entries; a non-empty body is treated
// as the single tenant ID to invalidate.
func (b *InvalidationBroadcaster) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	sub := b.client.Subscribe(runCtx, b.channel)
	go func() {
		defer close(b.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == "" {
					b.cache.InvalidateAll()
				} else {
					b.cache.Invalidate(msg.Payload)
				}
			}
		}
	}()
	return nil
}

func (b *InvalidationBroadcaster) Stop(ctx context.Context) error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Publish broadcasts tenantID's invalidation to every subscribed
// instance, including this one's own CachingResolver (applied locally so
// the broadcast round trip is not on the critical path for the caller
// that made the change).
func (b *InvalidationBroadcaster) Publish(ctx context.Context, tenantID string) error {
	b.cache.Invalidate(tenantID)
	return b.client.Publish(ctx, b.channel, tenantID).Err()
}
