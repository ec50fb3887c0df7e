package eventbus

import (
	"context"
	"testing"

	"example.com/parkwise/services/pipeline/internal/events"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewMemoryBus(3)
	reg := NewRegistry()

	var billing, analytics int
	reg.Subscribe(events.SpotFreedName, "billing", func(ctx context.Context, d Delivery) error {
		billing++
		return nil
	})
	reg.Subscribe(events.SpotFreedName, "analytics", func(ctx context.Context, d Delivery) error {
		analytics++
		return nil
	})
	bus.Use(reg)

	event := events.SpotFreed{Base: events.NewBase(), SpotCode: "A1"}
	require.NoError(t, bus.Publish(context.Background(), event))

	require.Equal(t, 1, billing)
	require.Equal(t, 1, analytics)
	require.Empty(t, bus.DeadLetters())
}

func TestMemoryBusRedeliversUntilSuccess(t *testing.T) {
	bus := NewMemoryBus(5)
	reg := NewRegistry()

	attempts := 0
	reg.Subscribe(events.SpotOccupiedName, "analytics", func(ctx context.Context, d Delivery) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	bus.Use(reg)

	require.NoError(t, bus.Publish(context.Background(), events.SpotOccupied{Base: events.NewBase()}))
	require.Equal(t, 3, attempts)
	require.Empty(t, bus.DeadLetters())
}

func TestMemoryBusDeadLettersAfterMaxAttempts(t *testing.T) {
	bus := NewMemoryBus(4)
	reg := NewRegistry()

	attempts := 0
	reg.Subscribe(events.SpotFreedName, "billing", func(ctx context.Context, d Delivery) error {
		attempts++
		return errors.New("database down")
	})
	bus.Use(reg)

	event := events.SpotFreed{Base: events.NewBase()}
	require.NoError(t, bus.Publish(context.Background(), event))

	require.Equal(t, 4, attempts)
	dls := bus.DeadLetters()
	require.Len(t, dls, 1)
	require.Equal(t, "EventoVagaLiberada_billing_fila_dlq", dls[0].Queue)
	require.Equal(t, event.ID().String(), dls[0].MessageID)
}

func TestMemoryBusPermanentErrorSkipsRetry(t *testing.T) {
	bus := NewMemoryBus(5)
	reg := NewRegistry()

	attempts := 0
	reg.Subscribe(events.SpotFreedName, "billing", func(ctx context.Context, d Delivery) error {
		attempts++
		return Permanent(errors.New("malformed payload"))
	})
	bus.Use(reg)

	require.NoError(t, bus.Publish(context.Background(), events.SpotFreed{Base: events.NewBase()}))
	require.Equal(t, 1, attempts)
	require.Len(t, bus.DeadLetters(), 1)
	require.Equal(t, "malformed payload", bus.DeadLetters()[0].Reason)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(3)
	reg := NewRegistry()

	delivered := 0
	reg.Subscribe(events.SpotOccupiedName, "notification", func(ctx context.Context, d Delivery) error {
		delivered++
		return nil
	})
	bus.Use(reg)

	require.NoError(t, bus.Publish(context.Background(), events.SpotOccupied{Base: events.NewBase()}))
	require.NoError(t, bus.Unsubscribe(events.SpotOccupiedName, "notification"))
	require.NoError(t, bus.Publish(context.Background(), events.SpotOccupied{Base: events.NewBase()}))

	require.Equal(t, 1, delivered)
}

func TestPermanentErrorWrapping(t *testing.T) {
	base := errors.New("boom")
	require.False(t, IsPermanent(base))
	require.True(t, IsPermanent(Permanent(base)))
	require.True(t, IsPermanent(errors.Wrap(Permanent(base), "context")))
	require.Nil(t, Permanent(nil))
}

func TestQueueNaming(t *testing.T) {
	sub := Subscription{EventName: events.SpotFreedName, Subscriber: "billing"}
	require.Equal(t, "EventoVagaLiberada_billing_fila", sub.QueueName())
	require.Equal(t, "EventoVagaLiberada_billing_fila_dlq", sub.DeadLetterQueueName())
}
