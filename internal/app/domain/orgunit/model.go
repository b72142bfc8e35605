// Package orgunit models sub-tenant scoping entities used to target events
// and rules at a finer grain than the tenant itself.
package orgunit

import "time"

// OrgUnit scopes events to a sub-entity of a tenant (e.g. a branch, a
// workspace). ParentID forms a tree used by ScopePolicy INCLUDE_CHILDREN
// resolution.
type OrgUnit struct {
	ID        string
	TenantID  string
	ParentID  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
