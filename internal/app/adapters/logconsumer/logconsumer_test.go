package logconsumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/integration-gateway/internal/app/domain/event"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
)

func TestToEventPrefersModernFieldsFallsBackToLegacy(t *testing.T) {
	modern := redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"eventType": "order.created",
		"orgUnitId": "ou-1",
		"payload":   map[string]any{"amount": 10},
	}}
	ev := toEvent("tenant-1", "src", modern)
	require.Equal(t, "order.created", ev.EventType)
	require.Equal(t, "ou-1", ev.OrgUnitID)
	require.Equal(t, 10, ev.Payload["amount"])

	legacy := redis.XMessage{ID: "2-0", Values: map[string]interface{}{
		"transaction_type": "order.updated",
		"entity_rid":       "ou-2",
		"data":             map[string]any{"amount": 20},
	}}
	ev = toEvent("tenant-1", "src", legacy)
	require.Equal(t, "order.updated", ev.EventType, "legacy transaction_type must resolve to eventType")
	require.Equal(t, "ou-2", ev.OrgUnitID, "legacy entity_rid must resolve to orgUnitId")
	require.Equal(t, 20, ev.Payload["amount"])
}

func TestAdapterConsumesAndAcksMessages(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stream := "orders:tenant-1"
	bg := context.Background()
	_, err = client.XAdd(bg, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"eventType": "order.created", "payload": `{"amount":5}`},
	}).Result()
	require.NoError(t, err)

	cfg := eventsource.LogConfig{Topic: "orders", ConsumerGroup: "gw"}
	a := New("tenant-1", cfg, client, nil)

	ctx, cancel := context.WithTimeout(bg, 500*time.Millisecond)
	defer cancel()

	received := make(chan event.Event, 1)
	require.NoError(t, a.Start(ctx, func(ctx context.Context, e event.Event) error {
		received <- e
		return nil
	}))

	select {
	case e := <-received:
		require.Equal(t, "order.created", e.EventType)
	case <-time.After(400 * time.Millisecond):
		t.Fatal("timed out waiting for consumed event")
	}

	require.NoError(t, a.Stop(context.Background()))

	pending, err := client.XPending(bg, stream, cfg.ConsumerGroup).Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count, "message must be acked after a successful handler call")
}
