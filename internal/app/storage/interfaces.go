// Package storage defines the per-domain persistence interfaces consumed by
// the gateway's components. Collections map onto spec §6's logical names;
// concrete implementations live in storage/memory (tests, prototyping) and
// storage/postgres (JSONB-backed, spec §3.2).
package storage

import (
	"context"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/checkpoint"
	"github.com/r3e-network/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
	"github.com/r3e-network/integration-gateway/internal/app/domain/executionlog"
	"github.com/r3e-network/integration-gateway/internal/app/domain/lookup"
	"github.com/r3e-network/integration-gateway/internal/app/domain/orgunit"
	"github.com/r3e-network/integration-gateway/internal/app/domain/pendingevent"
	"github.com/r3e-network/integration-gateway/internal/app/domain/processedevent"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/tenant"
)

// TenantStore persists tenants and org units (flat tree, parent-pointer
// based as described in spec §3).
type TenantStore interface {
	CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error)
	GetTenant(ctx context.Context, id string) (tenant.Tenant, error)
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)

	CreateOrgUnit(ctx context.Context, ou orgunit.OrgUnit) (orgunit.OrgUnit, error)
	GetOrgUnit(ctx context.Context, id string) (orgunit.OrgUnit, error)
	ListOrgUnits(ctx context.Context, tenantID string) ([]orgunit.OrgUnit, error)
	// Descendants returns orgUnitID plus every org unit transitively parented
	// under it, used by ScopePolicy INCLUDE_CHILDREN resolution.
	Descendants(ctx context.Context, tenantID, orgUnitID string) ([]string, error)
}

// RuleStore persists IntegrationRule records.
type RuleStore interface {
	CreateRule(ctx context.Context, r rule.IntegrationRule) (rule.IntegrationRule, error)
	UpdateRule(ctx context.Context, r rule.IntegrationRule) (rule.IntegrationRule, error)
	GetRule(ctx context.Context, id string) (rule.IntegrationRule, error)
	// ListActiveRules returns non-deleted, active rules for a tenant whose
	// eventType matches (wildcard already resolved by the caller passing
	// "" to mean "don't filter"); ordering is left to the caller (rule
	// resolver applies the priority/updatedAt stable sort itself).
	ListActiveRules(ctx context.Context, tenantID, eventType string) ([]rule.IntegrationRule, error)
	SoftDeleteRule(ctx context.Context, id string) error
}

// EventSourceConfigStore persists per-tenant adapter configuration.
type EventSourceConfigStore interface {
	CreateEventSourceConfig(ctx context.Context, cfg eventsource.EventSourceConfig) (eventsource.EventSourceConfig, error)
	ListEventSourceConfigs(ctx context.Context) ([]eventsource.EventSourceConfig, error)
}

// CheckpointStore persists adapter cursors.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, sourceKind, sourceName, tenantID string) (checkpoint.SourceCheckpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp checkpoint.SourceCheckpoint) error
}

// ProcessedEventStore backs the deduplication TTL seen-set (spec §4.2).
type ProcessedEventStore interface {
	// TryInsert inserts the fingerprint if absent and not expired, returning
	// (true, nil) on first acceptance and (false, nil) if a live duplicate
	// already exists.
	TryInsert(ctx context.Context, p processedevent.ProcessedEvent) (bool, error)
}

// AuditStore records every accepted event, keyed by (source, offset) with a
// uniqueness fallback described in spec §4.2.
type AuditStore interface {
	RecordEvent(ctx context.Context, e event.Event) error
	ExistsBySourceOffset(ctx context.Context, source, sourceOffset string) (bool, error)
}

// ExecutionLogStore persists ExecutionLog rows.
type ExecutionLogStore interface {
	CreateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
	UpdateLog(ctx context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error)
	GetLog(ctx context.Context, id string) (executionlog.ExecutionLog, error)
	ListLogs(ctx context.Context, f LogFilter) ([]executionlog.ExecutionLog, error)
	// ListRetryable returns FAILED/RETRYING logs eligible for the retry
	// worker's next sweep (spec §4.6): shouldRetry, attemptCount below the
	// rule's retryCount, and lastAttemptAt+backoff(attempt) <= now. The
	// store implementation filters on status/shouldRetry/lastAttemptAt
	// <= olderThan; the caller still checks attemptCount against the rule's
	// retryCount (that bound is rule-specific) and the per-attempt backoff.
	ListRetryable(ctx context.Context, olderThan time.Time, limit int) ([]executionlog.ExecutionLog, error)
	// ListStuckRetrying returns RETRYING rows whose lastAttemptAt predates
	// the watchdog threshold (spec §4.6 "Stuck entries").
	ListStuckRetrying(ctx context.Context, before time.Time) ([]executionlog.ExecutionLog, error)
}

// LogFilter narrows ListLogs results; zero values mean "no filter" on that
// dimension. Limit is clamped by callers via core/service.ClampLimit.
type LogFilter struct {
	TenantID string
	RuleID   string
	Status   executionlog.Status
	Since    time.Time
	Until    time.Time
	Limit    int
}

// DLQStore persists dead-letter entries.
type DLQStore interface {
	CreateEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error)
	UpdateEntry(ctx context.Context, e dlq.Entry) (dlq.Entry, error)
	GetEntry(ctx context.Context, id string) (dlq.Entry, error)
	ListEntries(ctx context.Context, tenantID string, limit int) ([]dlq.Entry, error)
}

// ScheduledDeliveryStore persists scheduled delivery rows.
type ScheduledDeliveryStore interface {
	CreateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error)
	UpdateScheduledDelivery(ctx context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error)
	GetScheduledDelivery(ctx context.Context, id string) (scheduleddelivery.ScheduledDelivery, error)
	ListScheduledDeliveries(ctx context.Context, tenantID string, limit int) ([]scheduleddelivery.ScheduledDelivery, error)
	// ClaimDue atomically transitions up to limit PENDING rows with
	// dueAt <= now into PROCESSING and returns the claimed rows (spec §4.7
	// "atomically claims due rows").
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]scheduleddelivery.ScheduledDelivery, error)
	// ListOverdueCandidates returns PENDING rows past dueAt+graceHours, for
	// the scheduler tick that marks them OVERDUE.
	ListOverdueCandidates(ctx context.Context, now time.Time, graceHours int) ([]scheduleddelivery.ScheduledDelivery, error)
	// ListStuckProcessing returns PROCESSING rows stuck past the watchdog
	// timeout (spec §4.7 state machine).
	ListStuckProcessing(ctx context.Context, before time.Time) ([]scheduleddelivery.ScheduledDelivery, error)
}

// PendingEventStore backs the pending_events collection an external ingress
// endpoint writes to and the HTTP-push adapter polls (spec §4.1, §6).
type PendingEventStore interface {
	CreatePendingEvent(ctx context.Context, p pendingevent.PendingEvent) (pendingevent.PendingEvent, error)
	// ListNew returns up to limit StatusNew documents for a tenant, oldest
	// first, for the HTTP-push adapter's poll tick.
	ListNew(ctx context.Context, tenantID string, limit int) ([]pendingevent.PendingEvent, error)
	MarkStatus(ctx context.Context, id string, status pendingevent.Status) error
}

// LookupStore persists code-mapping entries for the transformer's lookup pass.
type LookupStore interface {
	UpsertLookup(ctx context.Context, l lookup.Lookup) (lookup.Lookup, error)
	FindLookup(ctx context.Context, tenantID, orgUnitID, lookupType, sourceCode string) (lookup.Lookup, bool, error)
}
