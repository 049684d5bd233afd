package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockline/internal/bus"
)

func TestMemoryPublisherRecordsAndFansOut(t *testing.T) {
	p := bus.NewMemoryPublisher()
	sub := p.Subscribe()

	msg := bus.Message{
		Type:          bus.MsgConsumptionDeferred,
		ReservationID: "res-1",
		MovementID:    "mov-1",
		Qty:           2,
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), msg))
	require.NoError(t, p.Publish(context.Background(), bus.Message{
		Type:          bus.MsgConsumptionSucceeded,
		ReservationID: "res-1",
	}))

	require.Len(t, p.Messages(), 2)
	require.Equal(t, []bus.Message{msg}, p.OfType(bus.MsgConsumptionDeferred))

	select {
	case got := <-sub:
		require.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	p := bus.NewMemoryPublisher()
	p.Subscribe() // never read

	for i := 0; i < 200; i++ {
		require.NoError(t, p.Publish(context.Background(), bus.Message{
			Type:          bus.MsgConsumptionFailed,
			ReservationID: "res-1",
			RetryCount:    i,
		}))
	}
	require.Len(t, p.Messages(), 200)
}
