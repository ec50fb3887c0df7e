package services

import (
	"context"
	"testing"
	"time"

	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBillingStore struct {
	mock.Mock
}

func (m *mockBillingStore) AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *mockBillingStore) SaveInvoice(ctx context.Context, invoice *models.Invoice) error {
	args := m.Called(ctx, invoice)
	return args.Error(0)
}

func (m *mockBillingStore) LatestInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	args := m.Called(ctx, prefix)
	return args.String(0), args.Error(1)
}

func (m *mockBillingStore) InvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	args := m.Called(ctx, id)
	if inv := args.Get(0); inv != nil {
		return inv.(*models.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBillingStore) InvoicesByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Invoice, error) {
	args := m.Called(ctx, customerID)
	if invs := args.Get(0); invs != nil {
		return invs.([]models.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBillingStore) SavePayment(ctx context.Context, payment *models.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *mockBillingStore) MarkInvoicePaid(ctx context.Context, id uuid.UUID, method string, paidAt time.Time) error {
	args := m.Called(ctx, id, method, paidAt)
	return args.Error(0)
}

func (m *mockBillingStore) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	args := m.Called(ctx, asOf)
	return args.Get(0).(int64), args.Error(1)
}

type fakePublisher struct {
	published []events.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}

type stubGateway struct {
	approved bool
	err      error
}

func (g *stubGateway) Authorize(context.Context, uuid.UUID, float64, string) (payment.Authorization, error) {
	if g.err != nil {
		return payment.Authorization{}, g.err
	}
	if !g.approved {
		return payment.Authorization{Approved: false, Reason: "declined by issuer"}, nil
	}
	return payment.Authorization{Approved: true, AuthorizationCode: "a1b2c3d4e5f60708"}, nil
}

func spotFreedDelivery(t *testing.T, evt events.SpotFreed) eventbus.Delivery {
	t.Helper()
	body, err := events.Marshal(evt)
	require.NoError(t, err)
	return eventbus.Delivery{
		EventName: evt.Name(),
		MessageID: evt.EventID.String(),
		Body:      body,
	}
}

func TestHandleSpotFreedCreatesInvoice(t *testing.T) {
	store := new(mockBillingStore)
	pub := &fakePublisher{}
	svc := NewBillingService(store, pub, &stubGateway{approved: true}, nil, nil, 30)
	issue := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issue }

	evt := events.SpotFreed{
		Base:            events.NewBase(),
		SpotID:          uuid.New(),
		SpotCode:        "A-12",
		CustomerID:      uuid.New(),
		ExitedAt:        issue,
		DurationSeconds: 5400,
		AmountCharged:   27.50,
	}

	store.On("AlreadyProcessed", mock.Anything, evt.EventID).Return(false, nil)
	store.On("LatestInvoiceNumber", mock.Anything, "202609").Return("", nil)
	store.On("SaveInvoice", mock.Anything, mock.MatchedBy(func(inv *models.Invoice) bool {
		return inv.Number == "202609000001" &&
			inv.EventID == evt.EventID &&
			inv.CustomerID == evt.CustomerID &&
			inv.Total == 27.50 &&
			inv.Status == models.InvoiceStatusPending &&
			inv.DueDate.Equal(issue.AddDate(0, 0, 30)) &&
			len(inv.Items) == 1 &&
			inv.Items[0].SpotCode == "A-12" &&
			inv.Items[0].DurationSeconds == 5400
	})).Return(nil)

	err := svc.HandleSpotFreed(context.Background(), spotFreedDelivery(t, evt))
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestHandleSpotFreedIncrementsInvoiceNumber(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)
	svc.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }

	evt := events.SpotFreed{Base: events.NewBase(), SpotID: uuid.New(), CustomerID: uuid.New(), AmountCharged: 10}

	store.On("AlreadyProcessed", mock.Anything, evt.EventID).Return(false, nil)
	store.On("LatestInvoiceNumber", mock.Anything, "202609").Return("202609000041", nil)
	store.On("SaveInvoice", mock.Anything, mock.MatchedBy(func(inv *models.Invoice) bool {
		return inv.Number == "202609000042"
	})).Return(nil)

	err := svc.HandleSpotFreed(context.Background(), spotFreedDelivery(t, evt))
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestHandleSpotFreedSequenceExhausted(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)
	svc.now = func() time.Time { return time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC) }

	evt := events.SpotFreed{Base: events.NewBase(), SpotID: uuid.New(), CustomerID: uuid.New(), AmountCharged: 10}

	store.On("AlreadyProcessed", mock.Anything, evt.EventID).Return(false, nil)
	store.On("LatestInvoiceNumber", mock.Anything, "202609").Return("202609999999", nil)

	err := svc.HandleSpotFreed(context.Background(), spotFreedDelivery(t, evt))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "202609")
	store.AssertNotCalled(t, "SaveInvoice", mock.Anything, mock.Anything)
}

func TestHandleSpotFreedDuplicateIsNoOp(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)

	evt := events.SpotFreed{Base: events.NewBase(), CustomerID: uuid.New(), AmountCharged: 5}
	store.On("AlreadyProcessed", mock.Anything, evt.EventID).Return(true, nil)

	err := svc.HandleSpotFreed(context.Background(), spotFreedDelivery(t, evt))
	require.NoError(t, err)
	store.AssertNotCalled(t, "SaveInvoice", mock.Anything, mock.Anything)
}

func TestHandleSpotFreedMalformedPayloadIsPermanent(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)

	err := svc.HandleSpotFreed(context.Background(), eventbus.Delivery{
		EventName: events.SpotFreedName,
		MessageID: uuid.NewString(),
		Body:      []byte("{not json"),
	})
	require.Error(t, err)
	assert.True(t, eventbus.IsPermanent(err))
	store.AssertNotCalled(t, "SaveInvoice", mock.Anything, mock.Anything)
}

func TestHandleSpotFreedNegativeAmountIsPermanent(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)

	evt := events.SpotFreed{Base: events.NewBase(), CustomerID: uuid.New(), AmountCharged: -1}
	err := svc.HandleSpotFreed(context.Background(), spotFreedDelivery(t, evt))
	require.Error(t, err)
	assert.True(t, eventbus.IsPermanent(err))
}

func TestProcessPaymentApproved(t *testing.T) {
	store := new(mockBillingStore)
	pub := &fakePublisher{}
	svc := NewBillingService(store, pub, &stubGateway{approved: true}, nil, nil, 30)
	now := time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	invoice := &models.Invoice{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Total:      42.00,
		Status:     models.InvoiceStatusPending,
	}
	store.On("InvoiceByID", mock.Anything, invoice.ID).Return(invoice, nil)
	store.On("SavePayment", mock.Anything, mock.MatchedBy(func(p *models.Payment) bool {
		return p.InvoiceID == invoice.ID &&
			p.Status == models.PaymentStatusApproved &&
			p.AuthorizationCode != nil
	})).Return(nil)
	store.On("MarkInvoicePaid", mock.Anything, invoice.ID, "credit_card", now).Return(nil)

	pay, err := svc.ProcessPayment(context.Background(), invoice.ID, 42.00, "credit_card")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, pay.Status)

	require.Len(t, pub.published, 1)
	evt, ok := pub.published[0].(events.PaymentProcessed)
	require.True(t, ok)
	assert.Equal(t, events.PaymentApproved, evt.Status)
	assert.Equal(t, pay.ID, evt.TransactionID)
	assert.Equal(t, invoice.CustomerID, evt.CustomerID)
	store.AssertExpectations(t)
}

func TestProcessPaymentDeclined(t *testing.T) {
	store := new(mockBillingStore)
	pub := &fakePublisher{}
	svc := NewBillingService(store, pub, &stubGateway{approved: false}, nil, nil, 30)

	invoice := &models.Invoice{ID: uuid.New(), CustomerID: uuid.New(), Total: 10, Status: models.InvoiceStatusPending}
	store.On("InvoiceByID", mock.Anything, invoice.ID).Return(invoice, nil)
	store.On("SavePayment", mock.Anything, mock.MatchedBy(func(p *models.Payment) bool {
		return p.Status == models.PaymentStatusRejected && p.AuthorizationCode == nil
	})).Return(nil)

	pay, err := svc.ProcessPayment(context.Background(), invoice.ID, 10, "pix")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, pay.Status)

	store.AssertNotCalled(t, "MarkInvoicePaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, pub.published, 1)
	evt := pub.published[0].(events.PaymentProcessed)
	assert.Equal(t, events.PaymentDeclined, evt.Status)
}

func TestProcessPaymentInvoiceNotFound(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{approved: true}, nil, nil, 30)

	id := uuid.New()
	store.On("InvoiceByID", mock.Anything, id).Return(nil, nil)

	_, err := svc.ProcessPayment(context.Background(), id, 10, "pix")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestProcessPaymentWrongAmount(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{approved: true}, nil, nil, 30)

	invoice := &models.Invoice{ID: uuid.New(), Total: 42, Status: models.InvoiceStatusPending}
	store.On("InvoiceByID", mock.Anything, invoice.ID).Return(invoice, nil)

	_, err := svc.ProcessPayment(context.Background(), invoice.ID, 41, "pix")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	store.AssertNotCalled(t, "SavePayment", mock.Anything, mock.Anything)
}

func TestProcessPaymentAlreadyPaid(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{approved: true}, nil, nil, 30)

	invoice := &models.Invoice{ID: uuid.New(), Total: 42, Status: models.InvoiceStatusPaid}
	store.On("InvoiceByID", mock.Anything, invoice.ID).Return(invoice, nil)

	_, err := svc.ProcessPayment(context.Background(), invoice.ID, 42, "pix")
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestProcessPaymentPublishFailureDoesNotFailSettlement(t *testing.T) {
	store := new(mockBillingStore)
	pub := &fakePublisher{err: assert.AnError}
	svc := NewBillingService(store, pub, &stubGateway{approved: true}, nil, nil, 30)

	invoice := &models.Invoice{ID: uuid.New(), CustomerID: uuid.New(), Total: 15, Status: models.InvoiceStatusPending}
	store.On("InvoiceByID", mock.Anything, invoice.ID).Return(invoice, nil)
	store.On("SavePayment", mock.Anything, mock.Anything).Return(nil)
	store.On("MarkInvoicePaid", mock.Anything, invoice.ID, "pix", mock.Anything).Return(nil)

	pay, err := svc.ProcessPayment(context.Background(), invoice.ID, 15, "pix")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, pay.Status)
}

func TestMarkOverdueInvoices(t *testing.T) {
	store := new(mockBillingStore)
	svc := NewBillingService(store, &fakePublisher{}, &stubGateway{}, nil, nil, 30)

	store.On("MarkOverdue", mock.Anything, mock.Anything).Return(int64(3), nil)

	count, err := svc.MarkOverdueInvoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
