// Package eventsource models per-tenant ingestion adapter configuration
// (spec §3, §4.1, §6).
package eventsource

import "time"

// Kind identifies the adapter variant a config instantiates.
type Kind string

const (
	KindRelationalPoll Kind = "relational_poll"
	KindPartitionedLog Kind = "partitioned_log"
	KindHTTPPush       Kind = "http_push"
)

// ColumnMapping maps the six canonical relational-poll fields to actual
// table columns (spec §4.1).
type ColumnMapping struct {
	ID        string
	Tenant    string
	OrgUnit   string
	EventType string
	Payload   string
	Timestamp string
}

// RelationalConfig parameterises the relational-poll adapter.
type RelationalConfig struct {
	Table           string
	Columns         ColumnMapping
	PollIntervalMs  int
	EventTypeFilter []string
	OrgUnitFilter   []string

	// RefuseAdvanceOnExecutorError resolves spec §9 Open Question (a): when
	// true, a nack originating from an executor-level error withholds the
	// checkpoint advance instead of the documented default behaviour
	// (advance unconditionally and let the DLQ worker drive retry).
	RefuseAdvanceOnExecutorError bool
}

// LogConfig parameterises the partitioned-log adapter.
type LogConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// HTTPPushConfig parameterises the HTTP-push adapter.
type HTTPPushConfig struct {
	PollIntervalMs int
}

// EventSourceConfig is created per tenant and consumed by the adapter
// factory at startup and on live config change (spec §3).
type EventSourceConfig struct {
	ID       string
	TenantID string
	Kind     Kind

	Relational *RelationalConfig
	Log        *LogConfig
	HTTPPush   *HTTPPushConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}
