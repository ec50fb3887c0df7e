package eventbus

import (
	"context"
	"fmt"
	"sync"

	"example.com/parkwise/services/pipeline/internal/events"
)

// Delivery is one received copy of a published event. The broker promises
// at-least-once delivery, so the same MessageID may be seen more than once
// and redeliveries may arrive out of order.
type Delivery struct {
	EventName string
	MessageID string
	Body      []byte
}

// Handler processes one delivery. Returning nil acknowledges the message.
// Returning an error requeues it for redelivery, unless the error is marked
// Permanent, in which case the message goes straight to the dead-letter
// queue.
type Handler func(ctx context.Context, d Delivery) error

// Subscription binds a logical subscriber to one event type.
type Subscription struct {
	EventName  string
	Subscriber string
	Handler    Handler
}

// QueueName returns the durable queue for an (event type, subscriber) pair.
func (s Subscription) QueueName() string {
	return fmt.Sprintf("%s_%s_fila", s.EventName, s.Subscriber)
}

// DeadLetterQueueName returns the holding queue for deliveries that
// exhausted their attempts or carried a malformed payload.
func (s Subscription) DeadLetterQueueName() string {
	return s.QueueName() + "_dlq"
}

// Publisher publishes domain events. Publish must not block indefinitely;
// broker trouble surfaces as an error and the caller decides whether to
// retry the business operation.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Bus is the durable pub/sub transport contract. Implementations exist for
// RabbitMQ, Azure Service Bus and an in-memory fake, so consumer code never
// touches a vendor client directly.
type Bus interface {
	Publisher

	// Start declares the queues for every subscription in the registry and
	// consumes until ctx is cancelled.
	Start(ctx context.Context, reg *Registry) error

	// Unsubscribe stops consuming for one (event type, subscriber) pair
	// without deleting its queue; enqueued messages wait for a resume.
	Unsubscribe(eventName, subscriber string) error

	Close() error
}

// Registry is the explicit handler table, constructed at startup and passed
// into the bus. Handlers for one event run in registration order.
type Registry struct {
	mu   sync.RWMutex
	subs []Subscription
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers a handler for an event type under a logical subscriber
func (r *Registry) Subscribe(eventName, subscriber string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, Subscription{
		EventName:  eventName,
		Subscriber: subscriber,
		Handler:    h,
	})
}

// Subscriptions returns every registered subscription in order
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// For returns the subscriptions registered for one event name
func (r *Registry) For(eventName string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.EventName == eventName {
			out = append(out, s)
		}
	}
	return out
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable. The bus routes the delivery to
// the dead-letter queue instead of requeueing it, which keeps poison
// messages out of the redelivery loop.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked Permanent
func IsPermanent(err error) bool {
	for err != nil {
		if _, ok := err.(*permanentError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AttemptStore tracks delivery attempts per message so redelivery is
// bounded. Backed by Redis in production; a process-local fallback is used
// when Redis is disabled.
type AttemptStore interface {
	// Incr increments and returns the attempt count for a key
	Incr(ctx context.Context, key string) (int64, error)
	// Forget clears the attempt count for a key
	Forget(ctx context.Context, key string) error
}

// AttemptKey builds the attempt-counter key for a delivery
func AttemptKey(queue, messageID string) string {
	return fmt.Sprintf("attempts:%s:%s", queue, messageID)
}

type localAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewLocalAttempts returns a process-local attempt store
func NewLocalAttempts() AttemptStore {
	return &localAttempts{counts: make(map[string]int64)}
}

func (l *localAttempts) Incr(_ context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	return l.counts[key], nil
}

func (l *localAttempts) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
	return nil
}
