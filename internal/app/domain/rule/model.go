// Package rule models IntegrationRule, the tenant-owned configuration that
// selects events and describes how to deliver them.
package rule

import "time"

// ScopePolicy controls which org units a rule applies to.
type ScopePolicy string

const (
	ScopeSelf            ScopePolicy = "SELF"
	ScopeIncludeChildren ScopePolicy = "INCLUDE_CHILDREN"
	ScopeAll             ScopePolicy = "ALL"
)

// DeliveryMode controls when a matched event is sent.
type DeliveryMode string

const (
	DeliveryImmediate DeliveryMode = "immediate"
	DeliveryDelayed   DeliveryMode = "delayed"
	DeliveryRecurring DeliveryMode = "recurring"
)

// AuthType enumerates supported outgoing authentication mechanisms (spec §4.5).
type AuthType string

const (
	AuthNone   AuthType = "NONE"
	AuthAPIKey AuthType = "API_KEY"
	AuthBasic  AuthType = "BASIC"
	AuthBearer AuthType = "BEARER"
	AuthOAuth1 AuthType = "OAUTH1"
	AuthOAuth2 AuthType = "OAUTH2"
	AuthCustom AuthType = "CUSTOM"
)

// AuthSpec describes how to authenticate outbound requests. Secret-bearing
// fields may hold either inline values or a "vault://<name>" reference
// resolved through internal/app/secrets.Provider.
type AuthSpec struct {
	Type AuthType

	// API_KEY / BEARER / CUSTOM
	HeaderName  string
	HeaderValue string
	CustomHeaders map[string]string

	// BASIC
	Username string
	Password string

	// OAUTH1
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string

	// OAUTH2 (client-credentials flow, spec §4.5)
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// Cached OAuth2 token state. Populated by the delivery executor and
	// persisted back onto the rule so a refresh is not required on every
	// delivery.
	CachedToken          string
	CachedTokenExpiresAt time.Time
}

// NeedsRefresh reports whether a cached OAuth2 token must be refreshed
// before use, with a small safety margin to avoid racing expiry.
func (a AuthSpec) NeedsRefresh(now time.Time) bool {
	if a.Type != AuthOAuth2 {
		return false
	}
	if a.CachedToken == "" {
		return true
	}
	return !now.Before(a.CachedTokenExpiresAt.Add(-5 * time.Second))
}

// HMACSecret supports dual-secret rotation for body signing (spec §6): two
// active secrets, with the old one optionally phased out at a future date.
type HMACSecret struct {
	Enabled      bool
	HeaderName   string
	CurrentKey   string
	PreviousKey  string
	PhaseOutAt   time.Time // zero means PreviousKey never expires
}

// FieldMapping is one entry of a declarative transformation (spec §4.4).
type FieldMapping struct {
	SourcePath string
	TargetPath string
	Function   string // one of: trim, upper, lower, format-date, default, "" (none)
	Default    any
	Required   bool
}

// StaticField is a constant value injected into the output regardless of the
// input payload.
type StaticField struct {
	TargetPath string
	Value      any
}

// TransformMode selects between declarative field mapping and a user script.
type TransformMode string

const (
	TransformDeclarative TransformMode = "declarative"
	TransformScripted    TransformMode = "scripted"
)

// UnmappedBehavior controls lookup-pass handling of source codes with no
// matching Lookup entry (spec §4.4).
type UnmappedBehavior string

const (
	UnmappedPassthrough UnmappedBehavior = "PASSTHROUGH"
	UnmappedDefault     UnmappedBehavior = "DEFAULT"
	UnmappedFail        UnmappedBehavior = "FAIL"
)

// LookupSpec describes a single post-transform code substitution.
type LookupSpec struct {
	SourcePath       string
	TargetPath       string
	LookupType       string
	UnmappedBehavior UnmappedBehavior
	DefaultValue     any
}

// TransformSpec is the per-rule transformation configuration.
type TransformSpec struct {
	Mode         TransformMode
	Mappings     []FieldMapping
	StaticFields []StaticField
	Script       string // used when Mode == TransformScripted

	Lookups []LookupSpec
}

// RateLimitPolicy is a per-rule token-bucket configuration (spec §4.5, §6).
type RateLimitPolicy struct {
	Capacity      int
	WindowSeconds int
}

// CircuitBreakerPolicy is a per-rule circuit-breaker configuration (spec §4.5, §6).
type CircuitBreakerPolicy struct {
	Threshold int
	OpenMs    int
}

// SubAction is one action of a multi-action rule (spec §4.5 "Multi-action
// rules"). Executed independently with its own transform, auth, and target.
type SubAction struct {
	Name         string
	TargetURL    string
	Method       string
	Headers      map[string]string
	Auth         AuthSpec
	Transform    TransformSpec
	CriticalPath bool
	Parallel     bool // if true, this action does not wait the inter-action delay
}

// CircuitState mirrors resilience.State without importing the delivery
// package, avoiding a domain → infrastructure dependency cycle.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// IntegrationRule is the tenant-owned configuration that selects events and
// describes how to deliver them (spec §3).
type IntegrationRule struct {
	ID       string
	TenantID string

	EventType    string // "*" wildcard supported
	Scope        ScopePolicy
	OrgUnitID    string   // the configured org unit for SELF / INCLUDE_CHILDREN
	ExcludeUnits []string // explicit per-rule excludes

	TargetURL  string
	Method     string
	Headers    map[string]string
	Auth       AuthSpec
	HMAC       HMACSecret
	TimeoutMs  int
	RetryCount int
	BackoffBaseMs int
	BackoffCapMs  int

	Transform TransformSpec
	Actions   []SubAction
	InterActionDelayMs int

	DeliveryMode    DeliveryMode
	SchedulingScript string

	RateLimit      RateLimitPolicy
	CircuitBreaker CircuitBreakerPolicy

	Priority int
	Active   bool
	Deleted  bool // soft-delete tombstone

	// Circuit state mirrored from the delivery executor's in-memory
	// registry so the rule resolver can flag it (spec §4.3); the resolver
	// itself does not mutate this.
	CurrentCircuitState CircuitState

	// LastLogID is a derived lookup, never a hard link (spec §9 "Cyclic
	// references"): the rule never owns the log, it only remembers the most
	// recently written log id for UI convenience.
	LastLogID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MatchesEventType reports whether the rule applies to the given event type,
// honouring the "*" wildcard.
func (r IntegrationRule) MatchesEventType(eventType string) bool {
	return r.EventType == "*" || r.EventType == eventType
}

// IsExcluded reports whether orgUnitID is explicitly excluded from this rule.
func (r IntegrationRule) IsExcluded(orgUnitID string) bool {
	for _, excluded := range r.ExcludeUnits {
		if excluded == orgUnitID {
			return true
		}
	}
	return false
}
