// Package memory is a thread-safe in-memory implementation of every
// storage interface, intended for tests and local/offline runs. It
// deliberately keeps the implementation simple, mirroring the teacher's
// internal/app/storage.Memory shape (single struct, one map per collection,
// an incrementing id counter guarded by the same mutex).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
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
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// Store is an in-memory persistence layer implementing every storage
// interface in internal/app/storage.
type Store struct {
	mu sync.RWMutex

	nextID int64

	tenants  map[string]tenant.Tenant
	orgUnits map[string]orgunit.OrgUnit
	rules    map[string]rule.IntegrationRule
	sources  map[string]eventsource.EventSourceConfig
	checkpoints map[string]checkpoint.SourceCheckpoint

	processed map[string]processedevent.ProcessedEvent
	auditByOffset map[string]bool
	auditEvents   []event.Event

	logs map[string]executionlog.ExecutionLog
	dlqEntries map[string]dlq.Entry
	scheduled  map[string]scheduleddelivery.ScheduledDelivery
	lookups    map[[4]string]lookup.Lookup
	pending    map[string]pendingevent.PendingEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:        1,
		tenants:       make(map[string]tenant.Tenant),
		orgUnits:      make(map[string]orgunit.OrgUnit),
		rules:         make(map[string]rule.IntegrationRule),
		sources:       make(map[string]eventsource.EventSourceConfig),
		checkpoints:   make(map[string]checkpoint.SourceCheckpoint),
		processed:     make(map[string]processedevent.ProcessedEvent),
		auditByOffset: make(map[string]bool),
		logs:          make(map[string]executionlog.ExecutionLog),
		dlqEntries:    make(map[string]dlq.Entry),
		scheduled:     make(map[string]scheduleddelivery.ScheduledDelivery),
		lookups:       make(map[[4]string]lookup.Lookup),
		pending:       make(map[string]pendingevent.PendingEvent),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// --- Tenants / org units ----------------------------------------------------

func (s *Store) CreateTenant(_ context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, fmt.Errorf("tenant %s not found", id)
	}
	return t, nil
}

func (s *Store) ListTenants(_ context.Context) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateOrgUnit(_ context.Context, ou orgunit.OrgUnit) (orgunit.OrgUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ou.ID == "" {
		ou.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	ou.CreatedAt, ou.UpdatedAt = now, now
	s.orgUnits[ou.ID] = ou
	return ou, nil
}

func (s *Store) GetOrgUnit(_ context.Context, id string) (orgunit.OrgUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ou, ok := s.orgUnits[id]
	if !ok {
		return orgunit.OrgUnit{}, fmt.Errorf("org unit %s not found", id)
	}
	return ou, nil
}

func (s *Store) ListOrgUnits(_ context.Context, tenantID string) ([]orgunit.OrgUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orgunit.OrgUnit
	for _, ou := range s.orgUnits {
		if ou.TenantID == tenantID {
			out = append(out, ou)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Descendants returns orgUnitID plus every org unit transitively parented
// under it (breadth-first over the in-memory parent index).
func (s *Store) Descendants(_ context.Context, tenantID, orgUnitID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	childrenOf := make(map[string][]string)
	for _, ou := range s.orgUnits {
		if ou.TenantID != tenantID {
			continue
		}
		childrenOf[ou.ParentID] = append(childrenOf[ou.ParentID], ou.ID)
	}

	seen := map[string]bool{orgUnitID: true}
	queue := []string{orgUnitID}
	result := []string{orgUnitID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range childrenOf[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}

// --- Rules -------------------------------------------------------------------

func (s *Store) CreateRule(_ context.Context, r rule.IntegrationRule) (rule.IntegrationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.rules[r.ID] = r
	return r, nil
}

func (s *Store) UpdateRule(_ context.Context, r rule.IntegrationRule) (rule.IntegrationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return rule.IntegrationRule{}, fmt.Errorf("rule %s not found", r.ID)
	}
	r.UpdatedAt = time.Now().UTC()
	s.rules[r.ID] = r
	return r, nil
}

func (s *Store) GetRule(_ context.Context, id string) (rule.IntegrationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return rule.IntegrationRule{}, fmt.Errorf("rule %s not found", id)
	}
	return r, nil
}

func (s *Store) ListActiveRules(_ context.Context, tenantID, eventType string) ([]rule.IntegrationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rule.IntegrationRule
	for _, r := range s.rules {
		if r.Deleted || !r.Active {
			continue
		}
		if r.TenantID != tenantID {
			continue
		}
		if eventType != "" && !r.MatchesEventType(eventType) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SoftDeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	r.Deleted = true
	r.UpdatedAt = time.Now().UTC()
	s.rules[id] = r
	return nil
}

// --- Event source configs / checkpoints --------------------------------------

func (s *Store) CreateEventSourceConfig(_ context.Context, cfg eventsource.EventSourceConfig) (eventsource.EventSourceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	s.sources[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) ListEventSourceConfigs(_ context.Context) ([]eventsource.EventSourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]eventsource.EventSourceConfig, 0, len(s.sources))
	for _, c := range s.sources {
		out = append(out, c)
	}
	return out, nil
}

func checkpointKey(sourceKind, sourceName, tenantID string) string {
	return sourceKind + "|" + sourceName + "|" + tenantID
}

func (s *Store) GetCheckpoint(_ context.Context, sourceKind, sourceName, tenantID string) (checkpoint.SourceCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey(sourceKind, sourceName, tenantID)]
	return cp, ok, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp checkpoint.SourceCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[checkpointKey(cp.SourceKind, cp.SourceName, cp.TenantID)] = cp
	return nil
}

// --- Dedup / audit -----------------------------------------------------------

func (s *Store) TryInsert(_ context.Context, p processedevent.ProcessedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.processed[p.Fingerprint]; ok && !existing.Expired(now) {
		return false, nil
	}
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = now
	}
	s.processed[p.Fingerprint] = p
	return true, nil
}

func (s *Store) RecordEvent(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, e)
	if e.SourceOffset != "" {
		s.auditByOffset[e.Source+"|"+e.SourceOffset] = true
	}
	return nil
}

func (s *Store) ExistsBySourceOffset(_ context.Context, source, sourceOffset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditByOffset[source+"|"+sourceOffset], nil
}

// --- Execution logs -----------------------------------------------------------

func (s *Store) CreateLog(_ context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = s.nextIDLocked()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.logs[l.ID] = l
	return l, nil
}

func (s *Store) UpdateLog(_ context.Context, l executionlog.ExecutionLog) (executionlog.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; !ok {
		return executionlog.ExecutionLog{}, fmt.Errorf("log %s not found", l.ID)
	}
	s.logs[l.ID] = l
	return l, nil
}

func (s *Store) GetLog(_ context.Context, id string) (executionlog.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[id]
	if !ok {
		return executionlog.ExecutionLog{}, fmt.Errorf("log %s not found", id)
	}
	return l, nil
}

func (s *Store) ListLogs(_ context.Context, f storage.LogFilter) ([]executionlog.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []executionlog.ExecutionLog
	for _, l := range s.logs {
		if f.TenantID != "" && l.TenantID != f.TenantID {
			continue
		}
		if f.RuleID != "" && l.RuleID != f.RuleID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && l.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListRetryable(_ context.Context, olderThan time.Time, limit int) ([]executionlog.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []executionlog.ExecutionLog
	for _, l := range s.logs {
		if l.Status != executionlog.StatusFailed && l.Status != executionlog.StatusRetrying {
			continue
		}
		if !l.ShouldRetry {
			continue
		}
		if l.LastAttemptAt.After(olderThan) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStuckRetrying(_ context.Context, before time.Time) ([]executionlog.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []executionlog.ExecutionLog
	for _, l := range s.logs {
		if l.Status == executionlog.StatusRetrying && l.LastAttemptAt.Before(before) {
			out = append(out, l)
		}
	}
	return out, nil
}

// --- DLQ -----------------------------------------------------------------------

func (s *Store) CreateEntry(_ context.Context, e dlq.Entry) (dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.nextIDLocked()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.dlqEntries[e.ID] = e
	return e, nil
}

func (s *Store) UpdateEntry(_ context.Context, e dlq.Entry) (dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dlqEntries[e.ID]; !ok {
		return dlq.Entry{}, fmt.Errorf("dlq entry %s not found", e.ID)
	}
	s.dlqEntries[e.ID] = e
	return e, nil
}

func (s *Store) GetEntry(_ context.Context, id string) (dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dlqEntries[id]
	if !ok {
		return dlq.Entry{}, fmt.Errorf("dlq entry %s not found", id)
	}
	return e, nil
}

func (s *Store) ListEntries(_ context.Context, tenantID string, limit int) ([]dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dlq.Entry
	for _, e := range s.dlqEntries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Scheduled deliveries -------------------------------------------------------

func (s *Store) CreateScheduledDelivery(_ context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.nextIDLocked()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.scheduled[d.ID] = d
	return d, nil
}

func (s *Store) UpdateScheduledDelivery(_ context.Context, d scheduleddelivery.ScheduledDelivery) (scheduleddelivery.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[d.ID]; !ok {
		return scheduleddelivery.ScheduledDelivery{}, fmt.Errorf("scheduled delivery %s not found", d.ID)
	}
	s.scheduled[d.ID] = d
	return d, nil
}

func (s *Store) GetScheduledDelivery(_ context.Context, id string) (scheduleddelivery.ScheduledDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.scheduled[id]
	if !ok {
		return scheduleddelivery.ScheduledDelivery{}, fmt.Errorf("scheduled delivery %s not found", id)
	}
	return d, nil
}

func (s *Store) ListScheduledDeliveries(_ context.Context, tenantID string, limit int) ([]scheduleddelivery.ScheduledDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduleddelivery.ScheduledDelivery
	for _, d := range s.scheduled {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimDue atomically (under the store mutex) transitions up to limit
// PENDING rows with dueAt <= now into PROCESSING, ordered by dueAt (spec
// §4.7: "fires entries in dueAt order").
func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]scheduleddelivery.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []scheduleddelivery.ScheduledDelivery
	for _, d := range s.scheduled {
		if d.Status == scheduleddelivery.StatusPending && !d.DueAt.After(now) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DueAt.Before(candidates[j].DueAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Status = scheduleddelivery.StatusProcessing
		candidates[i].ProcessingAt = now
		s.scheduled[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func (s *Store) ListOverdueCandidates(_ context.Context, now time.Time, graceHours int) ([]scheduleddelivery.ScheduledDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduleddelivery.ScheduledDelivery
	for _, d := range s.scheduled {
		if d.IsOverdue(now, graceHours) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) ListStuckProcessing(_ context.Context, before time.Time) ([]scheduleddelivery.ScheduledDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scheduleddelivery.ScheduledDelivery
	for _, d := range s.scheduled {
		if d.Status == scheduleddelivery.StatusProcessing && d.ProcessingAt.Before(before) {
			out = append(out, d)
		}
	}
	return out, nil
}

// --- Lookups ---------------------------------------------------------------------

func (s *Store) UpsertLookup(_ context.Context, l lookup.Lookup) (lookup.Lookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	s.lookups[l.Key()] = l
	return l, nil
}

func (s *Store) FindLookup(_ context.Context, tenantID, orgUnitID, lookupType, sourceCode string) (lookup.Lookup, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lookups[[4]string{tenantID, orgUnitID, lookupType, sourceCode}]
	if !ok || !l.Active {
		return lookup.Lookup{}, false, nil
	}
	return l, true, nil
}

// --- Pending events ---------------------------------------------------------------

func (s *Store) CreatePendingEvent(_ context.Context, p pendingevent.PendingEvent) (pendingevent.PendingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = pendingevent.StatusNew
	}
	s.pending[p.ID] = p
	return p, nil
}

func (s *Store) ListNew(_ context.Context, tenantID string, limit int) ([]pendingevent.PendingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pendingevent.PendingEvent
	for _, p := range s.pending {
		if p.TenantID == tenantID && p.Status == pendingevent.StatusNew {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkStatus(_ context.Context, id string, status pendingevent.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return fmt.Errorf("pending event %s not found", id)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.pending[id] = p
	return nil
}
