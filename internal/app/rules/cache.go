package rules

import (
	"context"
	"strings"
	"sync"
	"time"
)

// cacheEntry is a TTL-bounded resolved-match set, shaped after the
// teacher's infrastructure/cache.Cache entry (value + absolute expiry).
type cacheEntry struct {
	matches []Match
	expiry  time.Time
}

// CachingResolver decorates a Resolver with a short-lived cache keyed by
// (tenantID, eventType, orgUnitID): the pipeline's hot path resolves rules
// once per ingested event, so a few seconds of staleness trades for far
// fewer round trips to the rule store under load. Grounded on the
// teacher's infrastructure/cache.Cache (TTL map plus Invalidate/
// InvalidateAll), narrowed down to the two invalidation shapes this
// gateway needs.
type CachingResolver struct {
	inner *Resolver
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachingResolver wraps inner with a ttl-bounded cache. ttl <= 0 falls
// back to a 5 second default.
func NewCachingResolver(inner *Resolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachingResolver{inner: inner, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func cacheKey(tenantID, eventType, orgUnitID string) string {
	return strings.Join([]string{tenantID, eventType, orgUnitID}, "\x1f")
}

// Resolve serves from cache when a fresh entry exists, otherwise delegates
// to the wrapped Resolver and caches the result.
func (c *CachingResolver) Resolve(ctx context.Context, tenantID, eventType, orgUnitID string) ([]Match, error) {
	key := cacheKey(tenantID, eventType, orgUnitID)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiry) {
		return entry.matches, nil
	}

	matches, err := c.inner.Resolve(ctx, tenantID, eventType, orgUnitID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{matches: matches, expiry: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return matches, nil
}

// Invalidate drops every cached entry for tenantID. Called after any rule
// mutation for that tenant (create, patch, pause).
func (c *CachingResolver) Invalidate(tenantID string) {
	prefix := tenantID + "\x1f"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// InvalidateAll drops every cached entry, regardless of tenant. Used when
// an invalidation broadcast arrives without a tenant scope (e.g. a bulk
// backfill).
func (c *CachingResolver) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
