// Package lookup models tenant/org-unit scoped code-mapping entries used
// during transformation's lookup pass (spec §3, §4.4).
package lookup

import "time"

// Lookup substitutes a source code with a target code for a given
// (tenant, org-unit, type). Unique per active (tenant, org-unit, type, source).
type Lookup struct {
	ID         string
	TenantID   string
	OrgUnitID  string
	Type       string
	SourceCode string
	TargetCode string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the lookup key used for in-memory/table indexing.
func (l Lookup) Key() [4]string {
	return [4]string{l.TenantID, l.OrgUnitID, l.Type, l.SourceCode}
}
