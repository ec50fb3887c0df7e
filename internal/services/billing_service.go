package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/payment"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sentinel errors surfaced by payment processing, mapped to client errors
// at the API layer.
var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrInvalidAmount     = errors.New("payment amount does not match invoice total")
	ErrInvoiceNotPayable = errors.New("invoice is not payable")
)

// BillingStore is the persistence surface billing needs
type BillingStore interface {
	AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	SaveInvoice(ctx context.Context, invoice *models.Invoice) error
	LatestInvoiceNumber(ctx context.Context, prefix string) (string, error)
	InvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	InvoicesByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Invoice, error)
	SavePayment(ctx context.Context, payment *models.Payment) error
	MarkInvoicePaid(ctx context.Context, id uuid.UUID, method string, paidAt time.Time) error
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// InvoiceIndexer mirrors invoices into the search index
type InvoiceIndexer interface {
	IndexInvoice(ctx context.Context, invoice *models.Invoice) error
}

// BillingMetrics is the slice of the metrics collector billing reports to
type BillingMetrics interface {
	IncrementCounter(name string)
	RecordSuccess(name string)
	RecordError(name string)
}

// BillingService turns SpotFreed events into invoices and settles payments
// against them.
type BillingService struct {
	store     BillingStore
	publisher eventbus.Publisher
	gateway   payment.Authorizer
	indexer   InvoiceIndexer // optional
	metrics   BillingMetrics // optional
	dueDays   int
	now       func() time.Time
}

// NewBillingService creates a new billing service. indexer and metrics may
// be nil when the environment runs without them.
func NewBillingService(store BillingStore, publisher eventbus.Publisher, gateway payment.Authorizer, indexer InvoiceIndexer, metrics BillingMetrics, dueDays int) *BillingService {
	if dueDays <= 0 {
		dueDays = 30
	}
	return &BillingService{
		store:     store,
		publisher: publisher,
		gateway:   gateway,
		indexer:   indexer,
		metrics:   metrics,
		dueDays:   dueDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleSpotFreed issues an invoice for the completed stay. The event
// carries the computed duration and amount; billing trusts them verbatim.
// A redelivered event converges to an acknowledged no-op.
func (s *BillingService) HandleSpotFreed(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.SpotFreed](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}
	if evt.EventID == uuid.Nil {
		return eventbus.Permanent(errors.New("event is missing its id"))
	}
	if evt.AmountCharged < 0 {
		return eventbus.Permanent(errors.Errorf("negative amount charged: %.2f", evt.AmountCharged))
	}

	processed, err := s.store.AlreadyProcessed(ctx, evt.EventID)
	if err != nil {
		return errors.Wrap(err, "failed to check idempotency")
	}
	if processed {
		log.Debug().
			Str("event_id", evt.EventID.String()).
			Msg("SpotFreed already billed, skipping")
		return nil
	}

	issueDate := s.now()
	number, err := s.nextInvoiceNumber(ctx, issueDate)
	if err != nil {
		return errors.Wrap(err, "failed to allocate invoice number")
	}

	invoice := &models.Invoice{
		ID:         uuid.New(),
		CustomerID: evt.CustomerID,
		Number:     number,
		EventID:    evt.EventID,
		IssueDate:  issueDate,
		DueDate:    issueDate.AddDate(0, 0, s.dueDays),
		Total:      evt.AmountCharged,
		Status:     models.InvoiceStatusPending,
		Items: []models.InvoiceLineItem{
			{
				ID:              uuid.New(),
				Description:     fmt.Sprintf("Parking spot %s for %s", evt.SpotCode, evt.Duration()),
				SpotCode:        evt.SpotCode,
				DurationSeconds: evt.DurationSeconds,
				Amount:          evt.AmountCharged,
			},
		},
	}

	if err := s.store.SaveInvoice(ctx, invoice); err != nil {
		// On a duplicate race the unique event index rejects the insert and
		// the redelivery hits the idempotency check above.
		s.recordError("billing.invoice_created")
		return errors.Wrap(err, "failed to save invoice")
	}

	if s.indexer != nil {
		if err := s.indexer.IndexInvoice(ctx, invoice); err != nil {
			log.Warn().Err(err).
				Str("invoice_id", invoice.ID.String()).
				Msg("Failed to index invoice, continuing")
		}
	}

	s.recordSuccess("billing.invoice_created")
	log.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("number", invoice.Number).
		Str("customer_id", evt.CustomerID.String()).
		Float64("total", invoice.Total).
		Msg("Invoice created")
	return nil
}

// nextInvoiceNumber allocates the next sequential number for the issue
// month. Numbers look like 202609000001 and the sequence resets monthly.
func (s *BillingService) nextInvoiceNumber(ctx context.Context, issueDate time.Time) (string, error) {
	prefix := issueDate.Format("200601")
	latest, err := s.store.LatestInvoiceNumber(ctx, prefix)
	if err != nil {
		return "", err
	}

	seq := 1
	if latest != "" {
		n, err := strconv.Atoi(latest[len(prefix):])
		if err != nil {
			return "", errors.Wrapf(err, "malformed invoice number %q", latest)
		}
		seq = n + 1
	}
	if seq > 999999 {
		// The sequence is six fixed digits; widening it would corrupt the
		// number format and the prefix scan that derives it.
		return "", errors.Errorf("invoice sequence exhausted for month %s", prefix)
	}
	return fmt.Sprintf("%s%06d", prefix, seq), nil
}

// ProcessPayment settles a payment attempt against a pending invoice. The
// attempt is persisted whether the gateway approves or not; on approval the
// invoice flips to Paid and a PaymentProcessed event goes out.
func (s *BillingService) ProcessPayment(ctx context.Context, invoiceID uuid.UUID, amount float64, method string) (*models.Payment, error) {
	invoice, err := s.store.InvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load invoice")
	}
	if invoice == nil {
		return nil, ErrInvoiceNotFound
	}
	if invoice.Status != models.InvoiceStatusPending {
		return nil, ErrInvoiceNotPayable
	}
	if amount <= 0 || amount != invoice.Total {
		return nil, ErrInvalidAmount
	}

	auth, err := s.gateway.Authorize(ctx, invoiceID, amount, method)
	if err != nil {
		s.recordError("billing.payment_processed")
		return nil, errors.Wrap(err, "payment authorization failed")
	}

	pay := &models.Payment{
		ID:          uuid.New(),
		InvoiceID:   invoiceID,
		Amount:      amount,
		Method:      method,
		AttemptedAt: s.now(),
	}
	status := events.PaymentDeclined
	if auth.Approved {
		pay.Status = models.PaymentStatusApproved
		pay.AuthorizationCode = &auth.AuthorizationCode
		status = events.PaymentApproved
	} else {
		pay.Status = models.PaymentStatusRejected
	}

	if err := s.store.SavePayment(ctx, pay); err != nil {
		return nil, errors.Wrap(err, "failed to save payment")
	}

	if auth.Approved {
		if err := s.store.MarkInvoicePaid(ctx, invoiceID, method, pay.AttemptedAt); err != nil {
			return nil, errors.Wrap(err, "failed to mark invoice paid")
		}
	}

	evt := events.PaymentProcessed{
		Base:              events.NewBase(),
		TransactionID:     pay.ID,
		CustomerID:        invoice.CustomerID,
		Amount:            amount,
		PaymentMethod:     method,
		Status:            status,
		AuthorizationCode: auth.AuthorizationCode,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		// The payment is settled either way; the event loss is logged, not
		// surfaced to the payer.
		log.Error().Err(err).
			Str("invoice_id", invoiceID.String()).
			Str("transaction_id", pay.ID.String()).
			Msg("Failed to publish PaymentProcessed")
	}

	s.recordSuccess("billing.payment_processed")
	log.Info().
		Str("invoice_id", invoiceID.String()).
		Str("transaction_id", pay.ID.String()).
		Str("status", string(pay.Status)).
		Msg("Payment processed")
	return pay, nil
}

// InvoiceByID returns one invoice with its line items
func (s *BillingService) InvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return s.store.InvoiceByID(ctx, id)
}

// InvoicesByCustomer lists a customer's invoices
func (s *BillingService) InvoicesByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Invoice, error) {
	return s.store.InvoicesByCustomer(ctx, customerID)
}

// MarkOverdueInvoices flips pending invoices past their due date to
// Overdue. Runs on a schedule from the worker.
func (s *BillingService) MarkOverdueInvoices(ctx context.Context) (int64, error) {
	count, err := s.store.MarkOverdue(ctx, s.now())
	if err != nil {
		s.recordError("billing.overdue_sweep")
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("Invoices marked overdue")
	}
	s.recordSuccess("billing.overdue_sweep")
	return count, nil
}

func (s *BillingService) recordSuccess(name string) {
	if s.metrics != nil {
		s.metrics.IncrementCounter(name)
		s.metrics.RecordSuccess(name)
	}
}

func (s *BillingService) recordError(name string) {
	if s.metrics != nil {
		s.metrics.RecordError(name)
	}
}
