package postgres

import (
	"testing"

	"github.com/r3e-network/integration-gateway/internal/app/domain/orgunit"
	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
	"github.com/r3e-network/integration-gateway/internal/app/domain/tenant"
)

func TestStoreIntegration(t *testing.T) {
	store, ctx := newTestStore(t)

	tn, err := store.CreateTenant(ctx, tenant.Tenant{DisplayName: "Acme"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if tn.ID == "" {
		t.Fatalf("expected tenant id to be set")
	}

	root, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tn.ID, Name: "root"})
	if err != nil {
		t.Fatalf("create org unit: %v", err)
	}
	child, err := store.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: tn.ID, ParentID: root.ID, Name: "child"})
	if err != nil {
		t.Fatalf("create child org unit: %v", err)
	}

	descendants, err := store.Descendants(ctx, tn.ID, root.ID)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	found := map[string]bool{}
	for _, id := range descendants {
		found[id] = true
	}
	if !found[root.ID] || !found[child.ID] {
		t.Fatalf("expected root and child in descendants, got %v", descendants)
	}

	r, err := store.CreateRule(ctx, rule.IntegrationRule{
		TenantID:  tn.ID,
		EventType: "order.created",
		TargetURL: "https://example.com/hook",
		Method:    "POST",
		Active:    true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	active, err := store.ListActiveRules(ctx, tn.ID, "order.created")
	if err != nil {
		t.Fatalf("list active rules: %v", err)
	}
	if len(active) != 1 || active[0].ID != r.ID {
		t.Fatalf("expected exactly one active rule matching, got %+v", active)
	}

	if err := store.SoftDeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("soft delete rule: %v", err)
	}
	active, err = store.ListActiveRules(ctx, tn.ID, "order.created")
	if err != nil {
		t.Fatalf("list active rules after delete: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active rules after soft delete, got %d", len(active))
	}
}
