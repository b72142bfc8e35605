package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/orgunit"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/tenant"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
)

func setupTenantTree(t *testing.T, store *memory.Store) (tenantID, root, child, grandchild, sibling string) {
	ctx := context.Background()
	tn, err := store.CreateTenant(ctx, tenant.Tenant{DisplayName: "acme"})
	require.NoError(t, err)
	tenantID = tn.ID

	rootOU, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tenantID, Name: "root"})
	require.NoError(t, err)
	childOU, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tenantID, ParentID: rootOU.ID, Name: "child"})
	require.NoError(t, err)
	grandchildOU, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tenantID, ParentID: childOU.ID, Name: "grandchild"})
	require.NoError(t, err)
	siblingOU, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tenantID, Name: "sibling"})
	require.NoError(t, err)

	return tenantID, rootOU.ID, childOU.ID, grandchildOU.ID, siblingOU.ID
}

func TestResolveScopeSelfOnlyMatchesConfiguredUnit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	tenantID, root, child, _, _ := setupTenantTree(t, store)

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "order.created", Scope: rule.ScopeSelf, OrgUnitID: root, Active: true,
	})
	require.NoError(t, err)

	resolver := New(store, store)
	matches, err := resolver.Resolve(ctx, tenantID, "order.created", root)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = resolver.Resolve(ctx, tenantID, "order.created", child)
	require.NoError(t, err)
	require.Empty(t, matches, "SELF scope must not match a descendant")
}

func TestResolveScopeIncludeChildrenMatchesTransitiveDescendants(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	tenantID, root, _, grandchild, sibling := setupTenantTree(t, store)

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "order.created", Scope: rule.ScopeIncludeChildren, OrgUnitID: root, Active: true,
	})
	require.NoError(t, err)

	resolver := New(store, store)
	matches, err := resolver.Resolve(ctx, tenantID, "order.created", grandchild)
	require.NoError(t, err)
	require.Len(t, matches, 1, "INCLUDE_CHILDREN must match a transitive descendant")

	matches, err = resolver.Resolve(ctx, tenantID, "order.created", sibling)
	require.NoError(t, err)
	require.Empty(t, matches, "INCLUDE_CHILDREN must not match an unrelated unit")
}

func TestResolveHonoursExplicitExcludes(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	tenantID, root, _, grandchild, _ := setupTenantTree(t, store)

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "order.created", Scope: rule.ScopeIncludeChildren,
		OrgUnitID: root, ExcludeUnits: []string{grandchild}, Active: true,
	})
	require.NoError(t, err)

	resolver := New(store, store)
	matches, err := resolver.Resolve(ctx, tenantID, "order.created", grandchild)
	require.NoError(t, err)
	require.Empty(t, matches, "an explicitly excluded unit must never match")
}

func TestResolveOrdersByPriorityDescThenUpdatedAtAsc(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	tenantID, root, _, _, _ := setupTenantTree(t, store)

	low, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "*", Scope: rule.ScopeAll, Priority: 1, Active: true,
	})
	require.NoError(t, err)
	high, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "*", Scope: rule.ScopeAll, Priority: 10, Active: true,
	})
	require.NoError(t, err)
	highOlder, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "*", Scope: rule.ScopeAll, Priority: 10, Active: true,
	})
	require.NoError(t, err)
	// UpdateRule stamps UpdatedAt with the current time, so re-saving high
	// leaves highOlder with the earlier updatedAt of the two.
	time.Sleep(time.Millisecond)
	_, err = store.UpdateRule(ctx, high)
	require.NoError(t, err)

	resolver := New(store, store)
	matches, err := resolver.Resolve(ctx, tenantID, "order.created", root)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, highOlder.ID, matches[0].Rule.ID, "same priority: earlier updatedAt sorts first")
	require.Equal(t, high.ID, matches[1].Rule.ID)
	require.Equal(t, low.ID, matches[2].Rule.ID)
}

func TestResolveFlagsOpenCircuit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	tenantID, root, _, _, _ := setupTenantTree(t, store)

	_, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID: tenantID, EventType: "order.created", Scope: rule.ScopeAll,
		Active: true, CurrentCircuitState: rule.CircuitOpen,
	})
	require.NoError(t, err)

	resolver := New(store, store)
	matches, err := resolver.Resolve(ctx, tenantID, "order.created", root)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.True(t, matches[0].CircuitOpen, "an open-circuit rule is still returned, just flagged")
}
