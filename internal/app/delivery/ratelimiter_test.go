package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
)

func TestRateLimiterRegistryAppliesCapacity(t *testing.T) {
	reg := NewRateLimiterRegistry()
	limiter := reg.Get("rule-1", rule.RateLimitPolicy{Capacity: 2, WindowSeconds: 60})

	now := time.Now()
	ok1, _ := Allow(limiter, now)
	ok2, _ := Allow(limiter, now)
	ok3, retryAfter := Allow(limiter, now)

	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestRateLimiterRegistryDefaultsWhenUnconfigured(t *testing.T) {
	reg := NewRateLimiterRegistry()
	limiter := reg.Get("rule-2", rule.RateLimitPolicy{})

	ok, _ := Allow(limiter, time.Now())
	require.True(t, ok)
}

func TestRateLimiterAllowDoesNotConsumeBudgetWhenDenied(t *testing.T) {
	reg := NewRateLimiterRegistry()
	limiter := reg.Get("rule-3", rule.RateLimitPolicy{Capacity: 1, WindowSeconds: 60})

	now := time.Now()
	ok, _ := Allow(limiter, now)
	require.True(t, ok)

	// A denied check should not further deplete the bucket beyond the
	// single consumed token, so retryAfter stays bounded by the window
	// rather than growing across repeated checks.
	_, retryAfter1 := Allow(limiter, now)
	_, retryAfter2 := Allow(limiter, now)
	require.InDelta(t, float64(retryAfter1), float64(retryAfter2), float64(time.Millisecond))
}
