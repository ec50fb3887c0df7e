package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logical event names. These are the routing keys on the wire and are kept
// identical to the names used by the occupancy owner, so the queues bind to
// the same topic exchange across services.
const (
	SpotOccupiedName     = "EventoVagaOcupada"
	SpotFreedName        = "EventoVagaLiberada"
	PaymentProcessedName = "EventoPagamentoProcessado"
)

// Payment outcome values carried by PaymentProcessed. The wire values match
// the occupancy owner's vocabulary.
const (
	PaymentApproved = "Aprovado"
	PaymentDeclined = "Recusado"
)

// Event is the contract every domain event satisfies. Events are immutable
// facts: a correction is a new event, never a mutation of a published one.
type Event interface {
	// Name returns the logical event name used as the routing key.
	Name() string
	// ID returns the globally unique event identifier. Consumers use it as
	// their idempotency key: the same ID delivered twice must not produce
	// two invoices, two notifications or double-counted metrics.
	ID() uuid.UUID
	// Occurred returns the UTC occurrence timestamp. An ordering heuristic,
	// not a guarantee.
	Occurred() time.Time
}

// Base carries the fields shared by every domain event.
type Base struct {
	EventID    uuid.UUID `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewBase stamps a fresh event identity.
func NewBase() Base {
	return Base{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
	}
}

// ID returns the event identifier
func (b Base) ID() uuid.UUID { return b.EventID }

// Occurred returns the occurrence timestamp
func (b Base) Occurred() time.Time { return b.OccurredAt }

// SpotOccupied is published when a customer takes a parking spot.
type SpotOccupied struct {
	Base
	SpotID       uuid.UUID `json:"spot_id"`
	SpotCode     string    `json:"spot_code"`
	CustomerID   uuid.UUID `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	EnteredAt    time.Time `json:"entered_at"`
}

// Name returns the logical event name
func (SpotOccupied) Name() string { return SpotOccupiedName }

// SpotFreed is published when a customer leaves a spot. Duration and amount
// are computed by the occupancy owner and carried verbatim; consumers do not
// re-derive them.
type SpotFreed struct {
	Base
	SpotID          uuid.UUID `json:"spot_id"`
	SpotCode        string    `json:"spot_code"`
	CustomerID      uuid.UUID `json:"customer_id"`
	ExitedAt        time.Time `json:"exited_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	AmountCharged   float64   `json:"amount_charged"`
}

// Name returns the logical event name
func (SpotFreed) Name() string { return SpotFreedName }

// Duration returns the carried occupancy duration
func (e SpotFreed) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// PaymentProcessed is published by billing after a payment attempt settles.
type PaymentProcessed struct {
	Base
	TransactionID     uuid.UUID `json:"transaction_id"`
	CustomerID        uuid.UUID `json:"customer_id"`
	Amount            float64   `json:"amount"`
	PaymentMethod     string    `json:"payment_method"`
	Status            string    `json:"status"`
	AuthorizationCode string    `json:"authorization_code,omitempty"`
}

// Name returns the logical event name
func (PaymentProcessed) Name() string { return PaymentProcessedName }

// Marshal serializes an event for the wire
func Marshal(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s", e.Name())
	}
	return b, nil
}

// Decode deserializes an event payload into a concrete event type
func Decode[T any](body []byte) (T, error) {
	var t T
	if err := json.Unmarshal(body, &t); err != nil {
		var zero T
		return zero, errors.Wrap(err, "failed to decode event payload")
	}
	return t, nil
}
