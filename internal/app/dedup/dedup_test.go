package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
)

func sampleEvent() event.Event {
	return event.Event{
		TenantID:     "tenant-1",
		EventType:    "order.created",
		Payload:      map[string]any{"amount": 10, "currency": "USD"},
		Source:       event.SourceRelational,
		SourceName:   "orders-poll",
		SourceOffset: "42",
		ReceivedAt:   time.Now(),
	}
}

func TestFingerprintIsStableAndOrderIndependentAcrossPayloadKeys(t *testing.T) {
	a := sampleEvent()
	b := a
	b.Payload = map[string]any{"currency": "USD", "amount": 10} // different construction order

	fpA, err := Fingerprint(a)
	require.NoError(t, err)
	fpB, err := Fingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fpA, fpB, "map key order must not affect the fingerprint")
}

func TestFingerprintChangesWithAnyComponent(t *testing.T) {
	base := sampleEvent()
	baseFP, err := Fingerprint(base)
	require.NoError(t, err)

	variants := []event.Event{
		func() event.Event { e := base; e.TenantID = "tenant-2"; return e }(),
		func() event.Event { e := base; e.EventType = "order.updated"; return e }(),
		func() event.Event { e := base; e.SourceOffset = "43"; return e }(),
		func() event.Event { e := base; e.Payload = map[string]any{"amount": 11}; return e }(),
	}
	for _, v := range variants {
		fp, err := Fingerprint(v)
		require.NoError(t, err)
		require.NotEqual(t, baseFP, fp)
	}
}

func TestCheckAcceptsFirstAndRejectsLiveDuplicate(t *testing.T) {
	store := memory.New()
	gate := New(store, store)
	ctx := context.Background()
	e := sampleEvent()

	out, err := gate.Check(ctx, e)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	out2, err := gate.Check(ctx, e)
	require.NoError(t, err)
	require.False(t, out2.Accepted, "a repeat within the TTL window must be rejected as a duplicate")
	require.Equal(t, out.Fingerprint, out2.Fingerprint)
}

func TestCheckFallsBackToBucketKeyWhenOffsetMissing(t *testing.T) {
	store := memory.New()
	gate := New(store, store)
	ctx := context.Background()

	e := sampleEvent()
	e.SourceOffset = ""

	out, err := gate.Check(ctx, e)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	exists, err := store.ExistsBySourceOffset(ctx, string(e.Source), "")
	require.NoError(t, err)
	require.False(t, exists, "the synthesized fallback key must not collide with an empty offset")
}
