package services

import (
	"context"
	"testing"
	"time"

	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotificationStore struct {
	processed    map[uuid.UUID]bool
	settings     map[uuid.UUID]*models.NotificationSettings
	logs         []*models.NotificationLog
	createLogErr error
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{
		processed: make(map[uuid.UUID]bool),
		settings:  make(map[uuid.UUID]*models.NotificationSettings),
	}
}

func (f *fakeNotificationStore) AlreadyProcessed(_ context.Context, eventID uuid.UUID) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeNotificationStore) MarkProcessed(_ context.Context, eventID uuid.UUID) error {
	f.processed[eventID] = true
	return nil
}

func (f *fakeNotificationStore) Settings(_ context.Context, customerID uuid.UUID) (*models.NotificationSettings, error) {
	return f.settings[customerID], nil
}

func (f *fakeNotificationStore) CreateLog(_ context.Context, log *models.NotificationLog) error {
	if f.createLogErr != nil {
		return f.createLogErr
	}
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeNotificationStore) MarkLogSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	for _, l := range f.logs {
		if l.ID == id {
			l.Status = models.DispatchStatusSent
			l.Attempts++
			l.SentAt = &sentAt
		}
	}
	return nil
}

func (f *fakeNotificationStore) MarkLogFailed(_ context.Context, id uuid.UUID, reason string) error {
	for _, l := range f.logs {
		if l.ID == id {
			l.Status = models.DispatchStatusFailed
			l.Attempts++
			l.LastError = &reason
		}
	}
	return nil
}

func (f *fakeNotificationStore) logFor(channel models.Channel) *models.NotificationLog {
	for _, l := range f.logs {
		if l.Channel == channel {
			return l
		}
	}
	return nil
}

type fakeEmailSender struct {
	sent []string
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, to, _, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakePushSink struct {
	messages []string
	err      error
}

func (f *fakePushSink) Push(_ context.Context, _ uuid.UUID, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

func occupiedDelivery(t *testing.T, evt events.SpotOccupied) eventbus.Delivery {
	t.Helper()
	body, err := events.Marshal(evt)
	require.NoError(t, err)
	return eventbus.Delivery{EventName: evt.Name(), MessageID: evt.EventID.String(), Body: body}
}

func TestHandleSpotOccupiedFansOutToAllChannels(t *testing.T) {
	store := newFakeNotificationStore()
	email := &fakeEmailSender{}
	sms := &fakePushSink{}
	push := &fakePushSink{}
	svc := NewNotificationService(store, email, sms, push)

	customerID := uuid.New()
	store.settings[customerID] = &models.NotificationSettings{
		CustomerID:   customerID,
		EmailAddress: "ana@example.com",
		EmailEnabled: true,
		SMSEnabled:   true,
		PushEnabled:  true,
		InAppEnabled: true,
	}

	evt := events.SpotOccupied{
		Base:         events.NewBase(),
		SpotID:       uuid.New(),
		SpotCode:     "B-07",
		CustomerID:   customerID,
		CustomerName: "Ana",
		EnteredAt:    time.Now().UTC(),
	}

	err := svc.HandleSpotOccupied(context.Background(), occupiedDelivery(t, evt))
	require.NoError(t, err)

	assert.Equal(t, []string{"ana@example.com"}, email.sent)
	assert.Len(t, sms.messages, 1)
	assert.Len(t, push.messages, 1)
	require.Len(t, store.logs, 4)
	for _, l := range store.logs {
		assert.Equal(t, models.DispatchStatusSent, l.Status)
		assert.Equal(t, 1, l.Attempts)
		assert.Equal(t, evt.EventID, l.EventID)
	}
	assert.True(t, store.processed[evt.EventID])
}

func TestFanOutDefaultsToAllChannelsWithoutSettings(t *testing.T) {
	store := newFakeNotificationStore()
	sms := &fakePushSink{}
	push := &fakePushSink{}
	svc := NewNotificationService(store, &fakeEmailSender{}, sms, push)

	evt := events.SpotOccupied{Base: events.NewBase(), CustomerID: uuid.New(), SpotCode: "C-01"}
	err := svc.HandleSpotOccupied(context.Background(), occupiedDelivery(t, evt))
	require.NoError(t, err)

	// No address on file, so email is skipped; the other channels dispatch.
	assert.Nil(t, store.logFor(models.ChannelEmail))
	assert.NotNil(t, store.logFor(models.ChannelSMS))
	assert.NotNil(t, store.logFor(models.ChannelPush))
	assert.NotNil(t, store.logFor(models.ChannelInApp))
}

func TestFanOutRespectsDisabledChannels(t *testing.T) {
	store := newFakeNotificationStore()
	email := &fakeEmailSender{}
	push := &fakePushSink{}
	svc := NewNotificationService(store, email, &fakePushSink{}, push)

	customerID := uuid.New()
	store.settings[customerID] = &models.NotificationSettings{
		CustomerID:   customerID,
		EmailAddress: "bob@example.com",
		EmailEnabled: false,
		SMSEnabled:   false,
		PushEnabled:  true,
		InAppEnabled: true,
	}

	evt := events.SpotOccupied{Base: events.NewBase(), CustomerID: customerID, SpotCode: "D-03"}
	err := svc.HandleSpotOccupied(context.Background(), occupiedDelivery(t, evt))
	require.NoError(t, err)

	assert.Empty(t, email.sent)
	assert.Nil(t, store.logFor(models.ChannelEmail))
	assert.Nil(t, store.logFor(models.ChannelSMS))
	assert.NotNil(t, store.logFor(models.ChannelPush))
}

func TestFanOutChannelFailureIsIsolated(t *testing.T) {
	store := newFakeNotificationStore()
	email := &fakeEmailSender{err: errors.New("smtp relay down")}
	push := &fakePushSink{}
	svc := NewNotificationService(store, email, &fakePushSink{}, push)

	customerID := uuid.New()
	store.settings[customerID] = &models.NotificationSettings{
		CustomerID:   customerID,
		EmailAddress: "carol@example.com",
		EmailEnabled: true,
		PushEnabled:  true,
	}

	evt := events.SpotOccupied{Base: events.NewBase(), CustomerID: customerID, SpotCode: "E-09"}
	err := svc.HandleSpotOccupied(context.Background(), occupiedDelivery(t, evt))
	require.NoError(t, err)

	emailLog := store.logFor(models.ChannelEmail)
	require.NotNil(t, emailLog)
	assert.Equal(t, models.DispatchStatusFailed, emailLog.Status)
	require.NotNil(t, emailLog.LastError)
	assert.Contains(t, *emailLog.LastError, "smtp relay down")

	pushLog := store.logFor(models.ChannelPush)
	require.NotNil(t, pushLog)
	assert.Equal(t, models.DispatchStatusSent, pushLog.Status)
	assert.True(t, store.processed[evt.EventID])
}

func TestFanOutLogWriteFailureRequeuesEvent(t *testing.T) {
	store := newFakeNotificationStore()
	store.createLogErr = errors.New("database timeout")
	sms := &fakePushSink{}
	svc := NewNotificationService(store, nil, sms, nil)

	evt := events.SpotOccupied{Base: events.NewBase(), CustomerID: uuid.New(), SpotCode: "F-02"}
	err := svc.HandleSpotOccupied(context.Background(), occupiedDelivery(t, evt))

	require.Error(t, err)
	assert.False(t, eventbus.IsPermanent(err), "an unrecorded attempt must be retried, not dead-lettered")
	assert.False(t, store.processed[evt.EventID])
	assert.Empty(t, store.logs)
}

func TestFanOutDuplicateEventIsNoOp(t *testing.T) {
	store := newFakeNotificationStore()
	sms := &fakePushSink{}
	svc := NewNotificationService(store, nil, sms, nil)

	evt := events.SpotOccupied{Base: events.NewBase(), CustomerID: uuid.New()}
	d := occupiedDelivery(t, evt)

	require.NoError(t, svc.HandleSpotOccupied(context.Background(), d))
	require.NoError(t, svc.HandleSpotOccupied(context.Background(), d))

	assert.Len(t, sms.messages, 1)
}

func TestHandlePaymentProcessedRendersOutcome(t *testing.T) {
	store := newFakeNotificationStore()
	sms := &fakePushSink{}
	svc := NewNotificationService(store, nil, sms, nil)

	evt := events.PaymentProcessed{
		Base:          events.NewBase(),
		TransactionID: uuid.New(),
		CustomerID:    uuid.New(),
		Amount:        27.50,
		PaymentMethod: "pix",
		Status:        events.PaymentDeclined,
	}
	body, err := events.Marshal(evt)
	require.NoError(t, err)

	err = svc.HandlePaymentProcessed(context.Background(), eventbus.Delivery{
		EventName: evt.Name(),
		MessageID: evt.EventID.String(),
		Body:      body,
	})
	require.NoError(t, err)

	require.Len(t, sms.messages, 1)
	assert.Contains(t, sms.messages[0], "declined")
	assert.Contains(t, sms.messages[0], "27.50")
}

func TestHandleSpotFreedMalformedPayload(t *testing.T) {
	svc := NewNotificationService(newFakeNotificationStore(), nil, nil, nil)
	err := svc.HandleSpotFreed(context.Background(), eventbus.Delivery{
		EventName: events.SpotFreedName,
		Body:      []byte("nope"),
	})
	require.Error(t, err)
	assert.True(t, eventbus.IsPermanent(err))
}
