package eventbus

import (
	"context"
	"sync"
	"time"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/events"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// brokerChannel is the slice of *amqp.Channel the bus publishes through.
type brokerChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitBus is the RabbitMQ transport: one durable topic exchange, routing
// key per logical event name, one durable queue per (event type,
// subscriber). The instance holds the only live broker connection in the
// process and is safe for concurrent use.
type RabbitBus struct {
	cfg      config.BusConfig
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    brokerChannel
	attempts AttemptStore
	local    AttemptStore

	mu        sync.Mutex
	consumers map[string]*amqp.Channel
	cancelled map[string]bool
}

// NewRabbitBus dials the broker, declares the topic exchange and prepares a
// shared publishing channel.
func NewRabbitBus(cfg config.BusConfig, attempts AttemptStore) (*RabbitBus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial RabbitMQ")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to open channel")
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to declare exchange")
	}

	if attempts == nil {
		attempts = NewLocalAttempts()
	}

	return &RabbitBus{
		cfg:       cfg,
		conn:      conn,
		pubCh:     ch,
		attempts:  attempts,
		local:     NewLocalAttempts(),
		consumers: make(map[string]*amqp.Channel),
		cancelled: make(map[string]bool),
	}, nil
}

// Publish sends an event to the topic exchange under its logical name. The
// message is persistent and stamped with the event identifier so consumers
// can deduplicate.
func (b *RabbitBus) Publish(ctx context.Context, event events.Event) error {
	body, err := events.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout())
	defer cancel()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, event.Name(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID().String(),
		Timestamp:    event.Occurred(),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to publish %s", event.Name())
	}
	return nil
}

// Start declares a durable queue and dead-letter queue per subscription,
// binds each queue to the exchange under the event's routing key and
// consumes until ctx is cancelled.
func (b *RabbitBus) Start(ctx context.Context, reg *Registry) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, sub := range reg.Subscriptions() {
		sub := sub
		ch, err := b.declareFor(sub)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.consumers[sub.QueueName()] = ch
		b.mu.Unlock()

		g.Go(func() error {
			return b.consume(ctx, ch, sub)
		})
	}

	return g.Wait()
}

func (b *RabbitBus) declareFor(sub Subscription) (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open consumer channel")
	}

	if err := ch.Qos(b.prefetch(), 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to set prefetch")
	}

	queue := sub.QueueName()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "failed to declare queue %s", queue)
	}

	dlq := sub.DeadLetterQueueName()
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "failed to declare dead-letter queue %s", dlq)
	}

	if err := ch.QueueBind(queue, sub.EventName, b.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "failed to bind queue %s", queue)
	}

	return ch, nil
}

func (b *RabbitBus) consume(ctx context.Context, ch *amqp.Channel, sub Subscription) error {
	deliveries, err := ch.ConsumeWithContext(ctx, sub.QueueName(), sub.QueueName(), false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume from %s", sub.QueueName())
	}

	log.Info().
		Str("queue", sub.QueueName()).
		Str("event", sub.EventName).
		Str("subscriber", sub.Subscriber).
		Msg("Consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return b.deliveriesClosed(ctx, sub)
			}
			b.dispatch(ctx, sub, d)
		}
	}
}

// deliveriesClosed decides whether a closed delivery channel is routine
// (shutdown, Unsubscribe) or a dropped broker connection. The latter is
// fatal: the worker exits non-zero and supervision restarts it with live
// consumers, instead of idling with none.
func (b *RabbitBus) deliveriesClosed(ctx context.Context, sub Subscription) error {
	if ctx.Err() != nil {
		return nil
	}
	b.mu.Lock()
	cancelled := b.cancelled[sub.QueueName()]
	b.mu.Unlock()
	if cancelled {
		return nil
	}
	return errors.Errorf("delivery channel for %s closed unexpectedly", sub.QueueName())
}

func (b *RabbitBus) dispatch(ctx context.Context, sub Subscription, d amqp.Delivery) {
	queue := sub.QueueName()

	if d.MessageId == "" {
		// Without a message identifier the delivery cannot be deduplicated
		// or attempt-tracked; park it for manual inspection.
		if err := b.deadLetter(ctx, sub, d, "missing message id"); err != nil {
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	err := sub.Handler(ctx, Delivery{
		EventName: sub.EventName,
		MessageID: d.MessageId,
		Body:      d.Body,
	})

	key := AttemptKey(queue, d.MessageId)

	switch {
	case err == nil:
		_ = d.Ack(false)
		b.forget(ctx, key)

	case IsPermanent(err):
		log.Warn().
			Err(err).
			Str("queue", queue).
			Str("message_id", d.MessageId).
			Msg("Dead-lettering delivery with permanent failure")
		if derr := b.deadLetter(ctx, sub, d, err.Error()); derr != nil {
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		b.forget(ctx, key)

	default:
		attempt, aerr := b.attempts.Incr(ctx, key)
		if aerr != nil {
			log.Warn().Err(aerr).Str("queue", queue).Msg("Attempt store unavailable, falling back to local counter")
			attempt, _ = b.local.Incr(ctx, key)
		}
		if attempt >= int64(b.maxAttempts()) {
			log.Error().
				Err(err).
				Str("queue", queue).
				Str("message_id", d.MessageId).
				Int64("attempts", attempt).
				Msg("Delivery attempts exhausted, dead-lettering")
			if derr := b.deadLetter(ctx, sub, d, err.Error()); derr != nil {
				_ = d.Nack(false, true)
				return
			}
			_ = d.Ack(false)
			b.forget(ctx, key)
			return
		}
		log.Warn().
			Err(err).
			Str("queue", queue).
			Str("message_id", d.MessageId).
			Int64("attempt", attempt).
			Msg("Handler failed, requeueing for redelivery")
		_ = d.Nack(false, true)
	}
}

// deadLetter parks a copy of the delivery on the subscription's dead-letter
// queue. Callers must not ack the original until this succeeds, otherwise
// the message would vanish with no copy anywhere.
func (b *RabbitBus) deadLetter(ctx context.Context, sub Subscription, d amqp.Delivery, reason string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pubCh.PublishWithContext(ctx, "", sub.DeadLetterQueueName(), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
		Headers: amqp.Table{
			"x-death-reason":   reason,
			"x-original-queue": sub.QueueName(),
		},
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("queue", sub.DeadLetterQueueName()).
			Str("message_id", d.MessageId).
			Msg("Failed to publish to dead-letter queue, requeueing original")
		return errors.Wrapf(err, "failed to park message on %s", sub.DeadLetterQueueName())
	}
	return nil
}

// forget clears the attempt count in both stores. The local store shadows
// the configured one while the latter is unreachable.
func (b *RabbitBus) forget(ctx context.Context, key string) {
	_ = b.attempts.Forget(ctx, key)
	_ = b.local.Forget(ctx, key)
}

// Unsubscribe cancels the consumer for one (event type, subscriber) pair.
// The queue and its enqueued messages survive until a consumer resumes.
func (b *RabbitBus) Unsubscribe(eventName, subscriber string) error {
	queue := Subscription{EventName: eventName, Subscriber: subscriber}.QueueName()

	b.mu.Lock()
	b.cancelled[queue] = true
	ch, ok := b.consumers[queue]
	delete(b.consumers, queue)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return ch.Cancel(queue, false)
}

// Close shuts down the broker connection
func (b *RabbitBus) Close() error {
	b.mu.Lock()
	for queue, ch := range b.consumers {
		b.cancelled[queue] = true
		_ = ch.Close()
	}
	b.consumers = make(map[string]*amqp.Channel)
	b.mu.Unlock()

	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *RabbitBus) prefetch() int {
	if b.cfg.Prefetch <= 0 {
		return 10
	}
	return b.cfg.Prefetch
}

func (b *RabbitBus) maxAttempts() int {
	if b.cfg.MaxAttempts <= 0 {
		return 5
	}
	return b.cfg.MaxAttempts
}

func (b *RabbitBus) publishTimeout() time.Duration {
	if b.cfg.PublishTimeout <= 0 {
		return 5 * time.Second
	}
	return b.cfg.PublishTimeout
}
