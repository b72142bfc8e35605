// Package processedevent models the deduplication record written on first
// successful acceptance of an event (spec §3, §4.2).
package processedevent

import "time"

// TTL is the deduplication window (spec §3: "TTL 6h").
const TTL = 6 * time.Hour

// ProcessedEvent enforces idempotency: any future event with the same
// fingerprint within TTL is treated as a duplicate.
type ProcessedEvent struct {
	Fingerprint string
	TenantID    string
	EventType   string
	ProcessedAt time.Time
}

// Expired reports whether this record has aged out of the dedup window as of now.
func (p ProcessedEvent) Expired(now time.Time) bool {
	return now.Sub(p.ProcessedAt) > TTL
}
