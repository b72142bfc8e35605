// Package dlq models dead-letter entries for terminally failed deliveries
// (spec §3, §4.6).
package dlq

import "time"

// Entry references a terminally failed execution log and carries retry
// bookkeeping for operator-initiated redelivery.
type Entry struct {
	ID         string
	LogID      string
	RuleID     string
	TenantID   string

	ErrorCategory string
	ErrorCode     string
	ErrorMessage  string

	RetryCount  int
	NextRetryAt time.Time

	ResolvedAt time.Time // zero means unresolved

	CreatedAt time.Time
}

// Resolved reports whether an operator has promoted or dismissed this entry.
func (e Entry) Resolved() bool {
	return !e.ResolvedAt.IsZero()
}
