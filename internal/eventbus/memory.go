package eventbus

import (
	"context"
	"sync"

	"example.com/parkwise/services/pipeline/internal/events"

	"github.com/rs/zerolog/log"
)

// DeadLetter is one delivery parked by the in-memory bus
type DeadLetter struct {
	Queue     string
	MessageID string
	Body      []byte
	Reason    string
}

// MemoryBus is an in-process bus with the same delivery semantics as the
// broker transports: per-subscription queues, redelivery on handler error
// and a dead-letter area after max attempts. Publish dispatches
// synchronously, which makes pipeline tests deterministic. Used with
// `bus.driver: memory` for local development as well.
type MemoryBus struct {
	maxAttempts int

	mu          sync.Mutex
	reg         *Registry
	deadLetters []DeadLetter
	published   int
}

// NewMemoryBus creates an in-memory bus
func NewMemoryBus(maxAttempts int) *MemoryBus {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &MemoryBus{maxAttempts: maxAttempts}
}

// Use installs the handler registry without blocking; tests call this
// instead of Start.
func (b *MemoryBus) Use(reg *Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reg = reg
}

// Start installs the registry and blocks until ctx is cancelled
func (b *MemoryBus) Start(ctx context.Context, reg *Registry) error {
	b.Use(reg)
	<-ctx.Done()
	return nil
}

// Publish delivers the event to every subscription registered for its name.
// Each subscription gets its own delivery, retried up to the attempt limit;
// exhausted deliveries land in the dead-letter area.
func (b *MemoryBus) Publish(ctx context.Context, event events.Event) error {
	body, err := events.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	reg := b.reg
	b.published++
	b.mu.Unlock()

	if reg == nil {
		log.Debug().Str("event", event.Name()).Msg("No registry installed, dropping event")
		return nil
	}

	d := Delivery{
		EventName: event.Name(),
		MessageID: event.ID().String(),
		Body:      body,
	}

	for _, sub := range reg.For(event.Name()) {
		b.deliver(ctx, sub, d)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub Subscription, d Delivery) {
	for attempt := 1; ; attempt++ {
		err := sub.Handler(ctx, d)
		if err == nil {
			return
		}
		if IsPermanent(err) {
			b.park(sub, d, err.Error())
			return
		}
		if attempt >= b.maxAttempts {
			b.park(sub, d, err.Error())
			return
		}
	}
}

func (b *MemoryBus) park(sub Subscription, d Delivery, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Queue:     sub.DeadLetterQueueName(),
		MessageID: d.MessageID,
		Body:      d.Body,
		Reason:    reason,
	})
}

// DeadLetters returns the parked deliveries
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Published returns how many events were published
func (b *MemoryBus) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Unsubscribe removes the handler for one (event type, subscriber) pair
func (b *MemoryBus) Unsubscribe(eventName, subscriber string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reg == nil {
		return nil
	}

	replacement := NewRegistry()
	for _, sub := range b.reg.Subscriptions() {
		if sub.EventName == eventName && sub.Subscriber == subscriber {
			continue
		}
		replacement.Subscribe(sub.EventName, sub.Subscriber, sub.Handler)
	}
	b.reg = replacement
	return nil
}

// Close is a no-op for the in-memory bus
func (b *MemoryBus) Close() error { return nil }
