package retryworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

func TestBackoffRespectsCapAndJitterBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(1000, 30000, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestBackoffGrowsWithAttemptUntilCap(t *testing.T) {
	// At attempt 0 the theoretical max is base*1=1000ms; by attempt 5 the
	// cap (2000ms) should already be in effect, so repeated samples at a
	// high attempt never exceed the cap even at the jitter ceiling.
	require.LessOrEqual(t, backoff(1000, 2000, 0), time.Second)
	for i := 0; i < 20; i++ {
		d := backoff(1000, 2000, 5)
		require.LessOrEqual(t, d, 2*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
	}
}

func TestTickRetriesEligibleFailedLog(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	r, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost,
		RetryCount: 3, BackoffBaseMs: 1, BackoffCapMs: 2,
		Active: true,
	})
	require.NoError(t, err)

	l, err := store.CreateLog(ctx, executionlog.ExecutionLog{
		TenantID: "tenant-1", RuleID: r.ID, Status: executionlog.StatusRetrying,
		ShouldRetry: true, AttemptCount: 1, LastAttemptAt: time.Now().UTC().Add(-time.Hour),
		RequestPayload: map[string]any{"a": 1},
	})
	require.NoError(t, err)

	executor := delivery.NewExecutor(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3}, config.SecurityConfig{}, nil, store, store)
	w := New(store, store, executor, config.WorkerConfig{IntervalMs: 10, BatchSize: 10}, nil)

	w.tick(context.Background())

	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	updated, err := store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusSuccess, updated.Status)
	require.Equal(t, 2, updated.AttemptCount)
}

func TestTickAbandonsOnFinalFailedAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	// retryCount=2 means 2 attempts already happened (the initial delivery
	// plus one retry) does not exhaust the budget yet: spec §8 guarantees
	// n+1 = 3 total attempts before ABANDONED, so this tick's retry is the
	// third and final one.
	r, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost,
		RetryCount: 2, BackoffBaseMs: 1, BackoffCapMs: 2, Active: true,
	})
	require.NoError(t, err)

	l, err := store.CreateLog(ctx, executionlog.ExecutionLog{
		TenantID: "tenant-1", RuleID: r.ID, Status: executionlog.StatusRetrying,
		ShouldRetry: true, AttemptCount: 2, LastAttemptAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	executor := delivery.NewExecutor(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3}, config.SecurityConfig{}, nil, store, store)
	w := New(store, store, executor, config.WorkerConfig{IntervalMs: 10, BatchSize: 10}, nil)

	w.tick(context.Background())

	updated, err := store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusAbandoned, updated.Status)
	require.Equal(t, 3, updated.AttemptCount)

	entries, err := store.ListEntries(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTickSkipsEntriesNotYetDueForBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	ctx := context.Background()

	r, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: "tenant-1", TargetURL: srv.URL, Method: http.MethodPost,
		RetryCount: 3, BackoffBaseMs: 60000, BackoffCapMs: 120000, Active: true,
	})
	require.NoError(t, err)

	l, err := store.CreateLog(ctx, executionlog.ExecutionLog{
		TenantID: "tenant-1", RuleID: r.ID, Status: executionlog.StatusRetrying,
		ShouldRetry: true, AttemptCount: 1, LastAttemptAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	executor := delivery.NewExecutor(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3}, config.SecurityConfig{}, nil, store, store)
	w := New(store, store, executor, config.WorkerConfig{IntervalMs: 10, BatchSize: 10}, nil)

	w.tick(context.Background())

	unchanged, err := store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusRetrying, unchanged.Status)
	require.Equal(t, 1, unchanged.AttemptCount)
}

func TestTickResetsStuckRetryingToFailed(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	l, err := store.CreateLog(ctx, executionlog.ExecutionLog{
		TenantID: "tenant-1", RuleID: "rule-x", Status: executionlog.StatusRetrying,
		ShouldRetry: true, AttemptCount: 1, LastAttemptAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	executor := delivery.NewExecutor(config.HTTPClientConfig{TimeoutMs: 2000, MaxRedirects: 3}, config.SecurityConfig{}, nil, store, store)
	w := New(store, store, executor, config.WorkerConfig{IntervalMs: 10, BatchSize: 10, StuckRetryingAfterMin: 30}, nil)

	w.tick(context.Background())

	updated, err := store.GetLog(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, executionlog.StatusFailed, updated.Status)
	require.False(t, updated.ShouldRetry)
}
