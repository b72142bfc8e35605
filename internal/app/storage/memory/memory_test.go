package memory

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/orgunit"
	"github.com/r3e-network/integration-gateway/internal/app/domain/processedevent"
	"github.com/r3e-network/integration-gateway/internal/app/domain/scheduleddelivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/tenant"
	"github.com/stretchr/testify/require"
)

func TestDescendantsIncludesSelfAndTransitiveChildren(t *testing.T) {
	s := New()
	ctx := context.Background()

	root, _ := s.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: "t1", Name: "root"})
	child, _ := s.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: "t1", ParentID: root.ID, Name: "child"})
	grandchild, _ := s.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: "t1", ParentID: child.ID, Name: "grandchild"})
	_, _ = s.CreateOrgUnit(ctx, orgunit.OrgUnit{TenantID: "t2", Name: "other-tenant-unit"})

	descendants, err := s.Descendants(ctx, "t1", root.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{root.ID, child.ID, grandchild.ID}, descendants)
}

func TestTryInsertRejectsLiveDuplicateButAcceptsAfterExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	ok, err := s.TryInsert(ctx, processedevent.ProcessedEvent{Fingerprint: "fp1", TenantID: "t1", ProcessedAt: now})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryInsert(ctx, processedevent.ProcessedEvent{Fingerprint: "fp1", TenantID: "t1", ProcessedAt: now})
	require.NoError(t, err)
	require.False(t, ok, "live duplicate must be rejected")

	expired := processedevent.ProcessedEvent{Fingerprint: "fp1", TenantID: "t1", ProcessedAt: now.Add(-processedevent.TTL - time.Minute)}
	s.processed["fp1"] = expired
	ok, err = s.TryInsert(ctx, processedevent.ProcessedEvent{Fingerprint: "fp1", TenantID: "t1", ProcessedAt: now})
	require.NoError(t, err)
	require.True(t, ok, "expired fingerprint must be accepted again")
}

func TestClaimDueOrdersByDueAtAndTransitionsStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	later, _ := s.CreateScheduledDelivery(ctx, scheduleddelivery.ScheduledDelivery{RuleID: "r1", TenantID: "t1", DueAt: now.Add(-1 * time.Minute), Status: scheduleddelivery.StatusPending})
	earlier, _ := s.CreateScheduledDelivery(ctx, scheduleddelivery.ScheduledDelivery{RuleID: "r1", TenantID: "t1", DueAt: now.Add(-5 * time.Minute), Status: scheduleddelivery.StatusPending})
	_, _ = s.CreateScheduledDelivery(ctx, scheduleddelivery.ScheduledDelivery{RuleID: "r1", TenantID: "t1", DueAt: now.Add(time.Hour), Status: scheduleddelivery.StatusPending})

	claimed, err := s.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, earlier.ID, claimed[0].ID)
	require.Equal(t, later.ID, claimed[1].ID)

	for _, c := range claimed {
		require.Equal(t, scheduleddelivery.StatusProcessing, c.Status)
	}

	remaining, err := s.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, remaining, "already-claimed rows must not be claimed twice")
}

func TestTenantCRUD(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateTenant(ctx, tenant.Tenant{DisplayName: "Acme"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	fetched, err := s.GetTenant(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme", fetched.DisplayName)

	_, err = s.GetTenant(ctx, "does-not-exist")
	require.Error(t, err)
}
