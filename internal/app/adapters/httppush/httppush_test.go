package httppush

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
	"github.com/r3e-network/integration-gateway/internal/app/domain/pendingevent"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
)

func TestPollMarksDoneOnSuccessAndFailedOnHandlerError(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.CreatePendingEvent(ctx, pendingevent.PendingEvent{
		TenantID: "tenant-1", EventType: "order.created", Payload: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	bad, err := store.CreatePendingEvent(ctx, pendingevent.PendingEvent{
		TenantID: "tenant-1", EventType: "order.failed", Payload: map[string]any{"a": 2},
	})
	require.NoError(t, err)

	a := New("tenant-1", eventsource.HTTPPushConfig{}, store, nil)

	var seen []string
	a.poll(ctx, func(ctx context.Context, e event.Event) error {
		seen = append(seen, e.EventType)
		if e.SourceOffset == bad.ID {
			return errors.New("boom")
		}
		return nil
	})

	require.ElementsMatch(t, []string{"order.created", "order.failed"}, seen)

	remaining, err := store.ListNew(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Empty(t, remaining, "both documents must leave the new status after one poll")
}
