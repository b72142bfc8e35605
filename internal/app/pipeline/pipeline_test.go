package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/dedup"
	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/scheduler"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-network/integration-gateway/internal/app/transform"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

func newTestPipeline(t *testing.T, store *memory.Store) *Pipeline {
	t.Helper()
	resolver := rules.New(store, store)
	transformer := transform.New(store)
	executor := delivery.NewExecutor(
		config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3},
		config.SecurityConfig{},
		nil, store, store,
	)
	sched := scheduler.New(store, store, executor, config.SchedulerConfig{}, nil)
	return New(dedup.New(store, store), resolver, transformer, sched, executor, store, nil)
}

func TestPipelineHandleDeliversImmediateRuleSynchronously(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", EventType: "order.created", Scope: rule.ScopeAll,
		TargetURL: srv.URL, Method: http.MethodPost, Active: true,
		Transform: rule.TransformSpec{Mode: rule.TransformDeclarative},
	})
	require.NoError(t, err)

	p := newTestPipeline(t, store)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	err = p.Handle(ctx, event.Event{ID: "evt-1", TenantID: "tenant-1", EventType: "order.created", Payload: map[string]any{"id": 1}})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPipelineHandleDropsDuplicateEventSilently(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", EventType: "order.created", Scope: rule.ScopeAll,
		TargetURL: srv.URL, Method: http.MethodPost, Active: true,
		Transform: rule.TransformSpec{Mode: rule.TransformDeclarative},
	})
	require.NoError(t, err)

	p := newTestPipeline(t, store)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	e := event.Event{ID: "evt-1", TenantID: "tenant-1", EventType: "order.created", SourceOffset: "1", Payload: map[string]any{"id": 1}}
	require.NoError(t, p.Handle(ctx, e))
	require.NoError(t, p.Handle(ctx, e))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPipelineHandleSchedulesDelayedRuleInsteadOfDelivering(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", EventType: "order.created", Scope: rule.ScopeAll,
		TargetURL: srv.URL, Method: http.MethodPost, Active: true,
		DeliveryMode:     rule.DeliveryDelayed,
		SchedulingScript: `function schedule(event, now) { return now + 3600000; }`,
		Transform:        rule.TransformSpec{Mode: rule.TransformDeclarative},
	})
	require.NoError(t, err)

	p := newTestPipeline(t, store)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	err = p.Handle(ctx, event.Event{ID: "evt-1", TenantID: "tenant-1", EventType: "order.created", Payload: map[string]any{"id": 1}})
	require.NoError(t, err)
	require.Equal(t, int32(0), atomic.LoadInt32(&hits), "delayed rule must not deliver immediately")

	scheduled, err := store.ListScheduledDeliveries(ctx, "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
}

func TestPipelineHandlePreservesPartitionKeyOrdering(t *testing.T) {
	var order []int32
	var mu sync.Mutex
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", EventType: "order.created", Scope: rule.ScopeAll,
		TargetURL: srv.URL, Method: http.MethodPost, Active: true,
		Transform: rule.TransformSpec{Mode: rule.TransformDeclarative},
	})
	require.NoError(t, err)

	p := newTestPipeline(t, store)
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			err := p.Handle(ctx, event.Event{
				ID: "evt", TenantID: "tenant-1", EventType: "order.created",
				SourceOffset: time.Now().Add(time.Duration(i) * time.Nanosecond).String(),
				Payload:      map[string]any{"seq": i},
			})
			mu.Lock()
			order = append(order, int32(i))
			mu.Unlock()
			results <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
	require.Len(t, order, n)
	require.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight), "events sharing a partition key must reach the target one at a time")
}
