// Package retryworker implements the periodic retry/DLQ worker of spec
// §4.6: it sweeps FAILED/RETRYING execution logs eligible for another
// attempt, re-queues them through the delivery executor with exponential
// backoff and full jitter, and resets watchdog-stuck RETRYING rows back to
// FAILED. Grounded on the teacher's services/automation ticker-driven
// service loop, with the backoff formula adapted from
// infrastructure/resilience.Retry's exponential-with-jitter shape.
package retryworker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

// logStore and ruleStore narrow the storage interfaces this worker needs.
type logStore interface {
	UpdateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
	ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]executionlog.ExecutionLog, error)
	ListStuckRetrying(ctx context.Context, before time.Time) ([]executionlog.ExecutionLog, error)
}

type ruleStore interface {
	GetRule(ctx context.Context, id string) (rule.IntegrationRule, error)
}

// Worker runs the retry/DLQ sweep on a fixed interval.
type Worker struct {
	logs     logStore
	rules    ruleStore
	executor *delivery.Executor
	cfg      config.WorkerConfig
	log      *logrus.Entry
}

// New builds a Worker. cfg's zero-value fields fall back to spec defaults
// (30s interval, 100-row batch, 30-minute stuck-RETRYING threshold).
func New(logs logStore, rules ruleStore, executor *delivery.Executor, cfg config.WorkerConfig, log *logrus.Entry) *Worker {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 30000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StuckRetryingAfterMin <= 0 {
		cfg.StuckRetryingAfterMin = 30
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Worker{logs: logs, rules: rules, executor: executor, cfg: cfg, log: log}
}

// Run ticks until ctx is cancelled, sweeping retryable and stuck entries on
// every tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()

	candidates, err := w.logs.ListRetryable(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.log.WithError(err).Error("retryworker: failed to list retryable logs")
	} else {
		for _, l := range candidates {
			w.retryOne(ctx, l, now)
		}
	}

	stuckBefore := now.Add(-time.Duration(w.cfg.StuckRetryingAfterMin) * time.Minute)
	stuck, err := w.logs.ListStuckRetrying(ctx, stuckBefore)
	if err != nil {
		w.log.WithError(err).Error("retryworker: failed to list stuck retrying logs")
		return
	}
	for _, l := range stuck {
		l.Status = executionlog.StatusFailed
		l.ShouldRetry = false
		if _, err := w.logs.UpdateLog(ctx, l); err != nil {
			w.log.WithError(err).WithField("log_id", l.ID).Error("retryworker: failed to reset stuck retrying log")
		}
	}
}

func (w *Worker) retryOne(ctx context.Context, l executionlog.ExecutionLog, now time.Time) {
	ruleID, _, _ := delivery.ParseRuleKey(l.RuleID)
	r, err := w.rules.GetRule(ctx, ruleID)
	if err != nil {
		w.log.WithError(err).WithField("rule_id", ruleID).Warn("retryworker: owning rule not found, skipping")
		return
	}
	if !l.CanRetryAgain(r.RetryCount) {
		return
	}
	delay := backoff(r.BackoffBaseMs, r.BackoffCapMs, l.AttemptCount)
	if now.Before(l.LastAttemptAt.Add(delay)) {
		return
	}

	updated, err := w.executor.Retry(ctx, l, r)
	if err != nil {
		w.log.WithError(err).WithField("log_id", l.ID).Error("retryworker: retry attempt failed to record")
		return
	}
	metrics.RecordRetryAttempt(l.TenantID, string(updated.Status))
}

// backoff implements spec §4.6's "exponential with full jitter":
// delay = min(cap, base * 2^attempt) * rand(0.5, 1.0).
func backoff(baseMs, capMs, attempt int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	if capMs <= 0 {
		capMs = 60000
	}
	raw := float64(baseMs) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(capMs))
	jittered := capped * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered) * time.Millisecond
}
