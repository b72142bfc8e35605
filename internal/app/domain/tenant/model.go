// Package tenant models the top-level multi-tenancy boundary.
package tenant

import "time"

// Tenant is the root scoping entity; every other domain entity belongs to
// exactly one tenant.
type Tenant struct {
	ID          string
	DisplayName string
	ParentID    string // optional; empty for root tenants
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasParent reports whether this tenant is nested under another.
func (t Tenant) HasParent() bool {
	return t.ParentID != ""
}
