// Package scheduler implements spec §4.7: it computes future firings of
// delayed/recurring rules (via a sandboxed script or a plain cron
// expression), persists them as ScheduledDelivery rows, and ticks on a fixed
// interval to claim and fire due rows through the delivery executor.
// Grounded on the teacher's services/automation ticker-driven tick loop
// (runScheduler -> checkAndExecuteTriggers) and its per-trigger
// parseNextCronExecution rescheduling, generalised from a single in-process
// trigger map onto store-backed claim/update operations.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
	"github.com/r3e-network/integration-gateway/internal/app/metrics"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/sandbox"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

// cronRecurrenceIntervalMs marks a Recurrence computed from the cron fast
// path rather than a script's intervalMs: the next occurrence is
// recalculated from the cron expression each time instead of added as a
// fixed offset, since cron cadences (e.g. "first Monday of the month") are
// not expressible as a constant interval.
const cronRecurrenceIntervalMs = -1

// scheduledStore narrows storage.ScheduledDeliveryStore to what this package needs.
type scheduledStore interface {
	CreateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error)
	UpdateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error)
	ListScheduledDeliveries(ctx context.Context, tenantID string, limit int) ([]scheduleddelivery.ScheduledDelivery, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]scheduleddelivery.ScheduledDelivery, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, graceHours int) ([]scheduleddelivery.ScheduledDelivery, error)
	ListStuckProcessing(ctx context.Context, before time.Time) ([]scheduleddelivery.ScheduledDelivery, error)
}

// ruleStore narrows storage.RuleStore to what this package needs.
type ruleStore interface {
	GetRule(ctx context.Context, id string) (rule.IntegrationRule, error)
}

// executor narrows *delivery.Executor to what this package needs, so tests
// can substitute a stub.
type executor interface {
	Deliver(ctx context.Context, e event.Event, match rules.Match, payload map[string]any, triggerType executionlog.TriggerType, correlationID string) ([]delivery.Result, error)
}

// Scheduler runs the spec §4.7 tick loop.
type Scheduler struct {
	store    scheduledStore
	rules    ruleStore
	executor executor
	cfg      config.SchedulerConfig
	limits   sandbox.Limits
	log      *logrus.Entry
}

// New builds a Scheduler. cfg's zero-value fields fall back to spec
// defaults (60s tick, 50-row batch, 24h overdue grace, 30-minute stuck watchdog).
func New(store scheduledStore, rules ruleStore, exec executor, cfg config.SchedulerConfig, log *logrus.Entry) *Scheduler {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 60000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.GraceHours <= 0 {
		cfg.GraceHours = 24
	}
	if cfg.StuckProcessingMin <= 0 {
		cfg.StuckProcessingMin = 30
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Scheduler{store: store, rules: rules, executor: exec, cfg: cfg, limits: sandbox.DefaultLimits, log: log}
}

// WithLimits overrides the sandbox resource caps applied to scripted mode.
func (s *Scheduler) WithLimits(limits sandbox.Limits) *Scheduler {
	s.limits = limits
	return s
}

// Schedule computes a rule's next occurrence for deliveryMode ∈
// {delayed, recurring} and persists it as a PENDING ScheduledDelivery. It is
// called by the ingestion pipeline in place of an immediate delivery when a
// matched rule defers. payload is the already-transformed document to
// deliver at fire time (spec §4.4 runs once, at ingestion, not again per
// occurrence); e retains its original, untransformed payload since that is
// what the scheduling script inspects to compute timing (spec §4.7).
func (s *Scheduler) Schedule(ctx context.Context, e event.Event, r rule.IntegrationRule, payload map[string]any) (scheduleddelivery.ScheduledDelivery, error) {
	now := time.Now().UTC()

	dueAt, recurrence, err := s.computeSchedule(ctx, r, e, now)
	if err != nil {
		return scheduleddelivery.ScheduledDelivery{}, err
	}

	return s.store.CreateScheduledDelivery(ctx, scheduleddelivery.ScheduledDelivery{
		RuleID:          r.ID,
		TenantID:        r.TenantID,
		DueAt:           dueAt,
		Status:          scheduleddelivery.StatusPending,
		OriginalEventID: e.ID,
		PayloadSnapshot: payload,
		Recurrence:      recurrence,
		CreatedAt:       now,
	})
}

func (s *Scheduler) computeSchedule(ctx context.Context, r rule.IntegrationRule, e event.Event, now time.Time) (time.Time, *scheduleddelivery.Recurrence, error) {
	if sched, ok := parseCronFastPath(r.SchedulingScript); ok {
		next := sched.Next(now)
		if r.DeliveryMode == rule.DeliveryRecurring {
			return next, &scheduleddelivery.Recurrence{IntervalMs: cronRecurrenceIntervalMs}, nil
		}
		return next, nil, nil
	}
	return runSchedulingScript(ctx, r, e, now, s.limits)
}

// Run ticks until ctx is cancelled, firing due entries and sweeping
// overdue/stuck rows on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	claimed, err := s.store.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("scheduler: failed to claim due scheduled deliveries")
	} else {
		for _, d := range claimed {
			s.processOne(ctx, d, now)
		}
	}

	s.markOverdue(ctx, now)
	s.resetStuckProcessing(ctx, now)
}

func (s *Scheduler) processOne(ctx context.Context, d scheduleddelivery.ScheduledDelivery, now time.Time) {
	metrics.RecordSchedulerFire(d.TenantID, d.DueAt, now)

	r, err := s.rules.GetRule(ctx, d.RuleID)
	if err != nil {
		s.log.WithError(err).WithField("scheduled_delivery_id", d.ID).Warn("scheduler: owning rule not found, failing occurrence")
		d.Status = scheduleddelivery.StatusFailed
		if _, uerr := s.store.UpdateScheduledDelivery(ctx, d); uerr != nil {
			s.log.WithError(uerr).Error("scheduler: failed to persist failed occurrence")
		}
		return
	}

	ev := event.Event{
		ID:        d.OriginalEventID,
		TenantID:  d.TenantID,
		EventType: r.EventType,
		Payload:   d.PayloadSnapshot,
		Source:    event.SourceHTTPPush,
	}

	results, err := s.executor.Deliver(ctx, ev, rules.Match{Rule: r}, d.PayloadSnapshot, executionlog.TriggerScheduled, d.ID)
	if err != nil {
		s.log.WithError(err).WithField("scheduled_delivery_id", d.ID).Error("scheduler: delivery executor returned an error")
	}

	d.Status = scheduleddelivery.StatusFailed
	if len(results) > 0 && allSucceeded(results) {
		d.Status = scheduleddelivery.StatusDone
	}

	if d.Status == scheduleddelivery.StatusDone && d.Recurrence != nil {
		s.rescheduleNextOccurrence(ctx, d, r, now)
	}

	if _, uerr := s.store.UpdateScheduledDelivery(ctx, d); uerr != nil {
		s.log.WithError(uerr).WithField("scheduled_delivery_id", d.ID).Error("scheduler: failed to persist occurrence outcome")
	}
}

func allSucceeded(results []delivery.Result) bool {
	for _, r := range results {
		if r.Log.Status != executionlog.StatusSuccess {
			return false
		}
	}
	return true
}

// rescheduleNextOccurrence persists the next ScheduledDelivery row for a
// recurring rule, per spec §4.7 "recurring entries schedule the next
// occurrence on success until maxOccurrences is reached" and the §8
// invariant that at most maxOccurrences occurrences ever reach DONE.
func (s *Scheduler) rescheduleNextOccurrence(ctx context.Context, d scheduleddelivery.ScheduledDelivery, r rule.IntegrationRule, now time.Time) {
	next := *d.Recurrence
	next.OccurrenceCount++
	if next.Done() {
		return
	}

	var nextDue time.Time
	if next.IntervalMs == cronRecurrenceIntervalMs {
		sched, ok := parseCronFastPath(r.SchedulingScript)
		if !ok {
			s.log.WithField("rule_id", r.ID).Warn("scheduler: cron recurrence could not be re-parsed, abandoning series")
			return
		}
		nextDue = sched.Next(now)
	} else {
		nextDue = d.DueAt.Add(time.Duration(next.IntervalMs) * time.Millisecond)
	}

	if _, err := s.store.CreateScheduledDelivery(ctx, scheduleddelivery.ScheduledDelivery{
		RuleID:          d.RuleID,
		TenantID:        d.TenantID,
		DueAt:           nextDue,
		Status:          scheduleddelivery.StatusPending,
		OriginalEventID: d.OriginalEventID,
		PayloadSnapshot: d.PayloadSnapshot,
		Recurrence:      &next,
		CreatedAt:       now,
	}); err != nil {
		s.log.WithError(err).WithField("rule_id", r.ID).Error("scheduler: failed to persist next recurring occurrence")
	}
}

// markOverdue transitions PENDING rows past dueAt+graceHours into the
// derived-but-stored OVERDUE status (see domain/scheduleddelivery's design
// note), so the operator control surface can list them without
// recomputing the deadline on every call.
func (s *Scheduler) markOverdue(ctx context.Context, now time.Time) {
	candidates, err := s.store.ListOverdueCandidates(ctx, now, s.cfg.GraceHours)
	if err != nil {
		s.log.WithError(err).Error("scheduler: failed to list overdue candidates")
		return
	}
	overdueByTenant := make(map[string]int, len(candidates))
	for _, d := range candidates {
		d.Status = scheduleddelivery.StatusOverdue
		if _, err := s.store.UpdateScheduledDelivery(ctx, d); err != nil {
			s.log.WithError(err).WithField("scheduled_delivery_id", d.ID).Error("scheduler: failed to mark overdue")
			continue
		}
		overdueByTenant[d.TenantID]++
	}
	for tenantID, count := range overdueByTenant {
		metrics.SetSchedulerOverdue(tenantID, count)
	}
}

func (s *Scheduler) resetStuckProcessing(ctx context.Context, now time.Time) {
	before := now.Add(-time.Duration(s.cfg.StuckProcessingMin) * time.Minute)
	stuck, err := s.store.ListStuckProcessing(ctx, before)
	if err != nil {
		s.log.WithError(err).Error("scheduler: failed to list stuck processing rows")
		return
	}
	for _, d := range stuck {
		d.Status = scheduleddelivery.StatusPending
		if _, err := s.store.UpdateScheduledDelivery(ctx, d); err != nil {
			s.log.WithError(err).WithField("scheduled_delivery_id", d.ID).Error("scheduler: failed to reset stuck processing row")
		}
	}
}

// CancelOverdue is the "external cleanup task" of spec §4.7/§6: the
// operator control surface's "cancel overdue scheduled deliveries with a
// configurable grace period" action. It cancels every OVERDUE row, plus any
// still-PENDING row that is overdue under the caller-supplied graceHours
// (which may differ from the scheduler's own configured default). A
// graceHours <= 0 falls back to the configured GraceHours.
func (s *Scheduler) CancelOverdue(ctx context.Context, graceHours int) (int, error) {
	now := time.Now().UTC()
	if graceHours <= 0 {
		graceHours = s.cfg.GraceHours
	}
	all, err := s.store.ListScheduledDeliveries(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, d := range all {
		if d.Status != scheduleddelivery.StatusOverdue && !d.IsOverdue(now, graceHours) {
			continue
		}
		d.Status = scheduleddelivery.StatusCancelled
		if _, err := s.store.UpdateScheduledDelivery(ctx, d); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}
