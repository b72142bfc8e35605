// Package checkpoint models the durable cursor an ingestion adapter uses to
// resume without replaying history (spec §3, §4.1).
package checkpoint

import "time"

// SourceCheckpoint is keyed by (source kind, source identifier, tenant) and
// tracks the last processed position. Position is stored as a string so it
// can hold either a numeric relational id or a partition offset.
type SourceCheckpoint struct {
	SourceKind string
	SourceName string
	TenantID   string

	LastProcessedPosition string
	UpdatedAt             time.Time
}

// AdvanceNumeric compares two numeric positions (as int64 values) and
// reports whether candidate is strictly greater than current, enforcing the
// monotonically-non-decreasing invariant (spec §3) for the relational
// adapter's integer ids.
func AdvanceNumeric(current, candidate int64) bool {
	return candidate > current
}
