// Package event models the normalised business occurrence produced by an
// ingestion adapter.
package event

import "time"

// SourceKind identifies which adapter variant produced an event.
type SourceKind string

const (
	SourceRelational     SourceKind = "relational"
	SourcePartitionedLog SourceKind = "partitioned_log"
	SourceHTTPPush       SourceKind = "http_push"
)

// Event is the normalised envelope handed from an ingestion adapter down the
// pipeline (spec §3, §4.1).
type Event struct {
	ID          string
	TenantID    string
	OrgUnitID   string
	EventType   string
	Payload     map[string]any
	Source      SourceKind
	SourceName  string // stable adapter name, for observability
	SourceOffset string // id / partition-offset / document-id, per source kind
	ReceivedAt  time.Time
}

// PartitionKey is used by the key-bucket executor (spec §5) to preserve
// per-partition-key ordering downstream of the adapter. For the relational
// and HTTP-push sources this is the tenant id; for the log source it is the
// message key (spec §6), which by convention is also the tenant id.
func (e Event) PartitionKey() string {
	return e.TenantID
}
