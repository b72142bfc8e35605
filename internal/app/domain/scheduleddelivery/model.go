// Package scheduleddelivery models a future firing of a rule derived from a
// scheduling script (spec §3, §4.7).
package scheduleddelivery

import "time"

// Status is the lifecycle state of a scheduled delivery.
//
// DESIGN NOTE (spec §9, Open Question c): OVERDUE is promoted here to a real
// stored status rather than staying a purely derived label, because the
// operator control surface needs to list overdue entries without
// recomputing dueAt+graceHours against now on every call. IsOverdue still
// offers the point-in-time definition for callers that want it.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusOverdue    Status = "OVERDUE"
)

// Recurrence is set when DeliveryMode == recurring (spec §4.7).
type Recurrence struct {
	IntervalMs      int64
	MaxOccurrences  int
	OccurrenceCount int
}

// Done reports whether the recurrence has exhausted MaxOccurrences. A zero
// MaxOccurrences means unbounded.
func (r Recurrence) Done() bool {
	return r.MaxOccurrences > 0 && r.OccurrenceCount >= r.MaxOccurrences
}

// ScheduledDelivery is one future or past firing of a rule.
type ScheduledDelivery struct {
	ID       string
	RuleID   string
	TenantID string

	DueAt  time.Time
	Status Status

	OriginalEventID string
	PayloadSnapshot map[string]any

	Recurrence *Recurrence // nil for delayed (one-shot) deliveries

	CreatedAt  time.Time
	ProcessingAt time.Time // set when claimed; used by the stuck-watchdog
}

// IsOverdue reports the point-in-time definition: a PENDING entry whose
// dueAt has passed graceHours ago. Matches the spec's boundary behaviour:
// dueAt + graceHours exactly is NOT overdue; + graceHours + 1ms is.
func (s ScheduledDelivery) IsOverdue(now time.Time, graceHours int) bool {
	if s.Status != StatusPending {
		return false
	}
	deadline := s.DueAt.Add(time.Duration(graceHours) * time.Hour)
	return now.After(deadline)
}
