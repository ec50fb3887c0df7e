package eventbus

import (
	"context"
	"testing"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/events"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

type fakeBrokerChannel struct {
	err       error
	keys      []string
	published []amqp.Publishing
}

func (c *fakeBrokerChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeBrokerChannel) Close() error { return nil }

type unavailableAttempts struct{}

func (unavailableAttempts) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func (unavailableAttempts) Forget(context.Context, string) error {
	return errors.New("connection refused")
}

func testRabbitBus(ch brokerChannel, attempts AttemptStore) *RabbitBus {
	if attempts == nil {
		attempts = NewLocalAttempts()
	}
	return &RabbitBus{
		cfg:       config.BusConfig{MaxAttempts: 2},
		pubCh:     ch,
		attempts:  attempts,
		local:     NewLocalAttempts(),
		consumers: make(map[string]*amqp.Channel),
		cancelled: make(map[string]bool),
	}
}

func billingDelivery(ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "5f6b2f4e-0000-0000-0000-000000000001",
		ContentType:  "application/json",
		Body:         []byte(`{}`),
	}
}

func TestDispatchDeadLettersPermanentFailure(t *testing.T) {
	ch := &fakeBrokerChannel{}
	bus := testRabbitBus(ch, nil)
	sub := Subscription{
		EventName:  events.SpotFreedName,
		Subscriber: "billing",
		Handler: func(ctx context.Context, d Delivery) error {
			return Permanent(errors.New("malformed payload"))
		},
	}
	ack := &fakeAcknowledger{}

	bus.dispatch(context.Background(), sub, billingDelivery(ack))

	require.True(t, ack.acked)
	require.False(t, ack.nacked)
	require.Equal(t, []string{sub.DeadLetterQueueName()}, ch.keys)
	require.Equal(t, "malformed payload", ch.published[0].Headers["x-death-reason"])
	require.Equal(t, sub.QueueName(), ch.published[0].Headers["x-original-queue"])
}

func TestDispatchRequeuesWhenDeadLetterPublishFails(t *testing.T) {
	ch := &fakeBrokerChannel{err: errors.New("channel closed")}
	bus := testRabbitBus(ch, nil)
	sub := Subscription{
		EventName:  events.SpotFreedName,
		Subscriber: "billing",
		Handler: func(ctx context.Context, d Delivery) error {
			return Permanent(errors.New("malformed payload"))
		},
	}
	ack := &fakeAcknowledger{}

	bus.dispatch(context.Background(), sub, billingDelivery(ack))

	require.False(t, ack.acked, "the original must stay on its queue until it is parked")
	require.True(t, ack.nacked)
	require.True(t, ack.requeue)
	require.Empty(t, ch.published)
}

func TestDispatchFallsBackToLocalAttemptCounter(t *testing.T) {
	ch := &fakeBrokerChannel{}
	bus := testRabbitBus(ch, unavailableAttempts{})
	sub := Subscription{
		EventName:  events.SpotFreedName,
		Subscriber: "billing",
		Handler: func(ctx context.Context, d Delivery) error {
			return errors.New("database timeout")
		},
	}

	first := &fakeAcknowledger{}
	bus.dispatch(context.Background(), sub, billingDelivery(first))
	require.True(t, first.nacked)
	require.True(t, first.requeue)
	require.Empty(t, ch.keys)

	second := &fakeAcknowledger{}
	bus.dispatch(context.Background(), sub, billingDelivery(second))
	require.True(t, second.acked, "redelivery must stay bounded even without the attempt store")
	require.Equal(t, []string{sub.DeadLetterQueueName()}, ch.keys)
}

func TestClosedDeliveryChannelIsFatalUnlessCancelled(t *testing.T) {
	bus := testRabbitBus(&fakeBrokerChannel{}, nil)
	sub := Subscription{EventName: events.SpotFreedName, Subscriber: "billing"}

	err := bus.deliveriesClosed(context.Background(), sub)
	require.Error(t, err)
	require.Contains(t, err.Error(), sub.QueueName())

	require.NoError(t, bus.Unsubscribe(events.SpotFreedName, "billing"))
	require.NoError(t, bus.deliveriesClosed(context.Background(), sub))

	other := Subscription{EventName: events.SpotOccupiedName, Subscriber: "analytics"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bus.deliveriesClosed(ctx, other))
}
