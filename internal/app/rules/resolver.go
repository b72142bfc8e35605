// Package rules implements the rule resolver (spec §4.3): given a tenant,
// event type, and org unit, returns the ordered set of active rules that
// apply.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
)

// Match is one resolved rule plus whether its mirrored circuit state is
// open, so the delivery executor can short-circuit without re-deriving it.
type Match struct {
	Rule       rule.IntegrationRule
	CircuitOpen bool
}

// Resolver resolves rules against a tenant's org-unit tree.
type Resolver struct {
	rules   storage.RuleStore
	tenants storage.TenantStore
}

// New constructs a Resolver.
func New(rules storage.RuleStore, tenants storage.TenantStore) *Resolver {
	return &Resolver{rules: rules, tenants: tenants}
}

// Resolve returns every active, non-deleted rule whose eventType matches
// and whose scope policy includes orgUnitID, ordered stably by
// (priority desc, updatedAt asc).
func (r *Resolver) Resolve(ctx context.Context, tenantID, eventType, orgUnitID string) ([]Match, error) {
	candidates, err := r.rules.ListActiveRules(ctx, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	descendants := make(map[string][]string)
	matches := make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		if !candidate.MatchesEventType(eventType) {
			continue
		}
		if candidate.IsExcluded(orgUnitID) {
			continue
		}

		included, err := r.inScope(ctx, candidate, tenantID, orgUnitID, descendants)
		if err != nil {
			return nil, err
		}
		if !included {
			continue
		}

		matches = append(matches, Match{
			Rule:        candidate,
			CircuitOpen: candidate.CurrentCircuitState == rule.CircuitOpen,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].Rule, matches[j].Rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	return matches, nil
}

// inScope evaluates a rule's ScopePolicy against orgUnitID. descendants
// caches each configured org unit's descendant-id list for the duration of
// one Resolve call, since several candidate rules commonly share the same
// INCLUDE_CHILDREN anchor.
func (r *Resolver) inScope(ctx context.Context, candidate rule.IntegrationRule, tenantID, orgUnitID string, descendants map[string][]string) (bool, error) {
	switch candidate.Scope {
	case rule.ScopeAll:
		return true, nil
	case rule.ScopeSelf:
		return candidate.OrgUnitID == orgUnitID, nil
	case rule.ScopeIncludeChildren:
		ids, ok := descendants[candidate.OrgUnitID]
		if !ok {
			var err error
			ids, err = r.tenants.Descendants(ctx, tenantID, candidate.OrgUnitID)
			if err != nil {
				return false, fmt.Errorf("resolve descendants of %s: %w", candidate.OrgUnitID, err)
			}
			descendants[candidate.OrgUnitID] = ids
		}
		for _, id := range ids {
			if id == orgUnitID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown scope policy %q on rule %s", candidate.Scope, candidate.ID)
	}
}
