package services

import (
	"context"
	"fmt"
	"time"

	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/models"
	"example.com/parkwise/services/pipeline/internal/notify"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NotificationStore is the persistence surface notification needs
type NotificationStore interface {
	AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	Settings(ctx context.Context, customerID uuid.UUID) (*models.NotificationSettings, error)
	CreateLog(ctx context.Context, log *models.NotificationLog) error
	MarkLogSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkLogFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// message is one rendered notification, in both lengths the channels need
type message struct {
	subject string
	short   string
	html    string
}

// NotificationService fans one event out to every channel the customer has
// enabled. Channels fail independently: a dead SMTP relay never blocks the
// push that would have gone through.
type NotificationService struct {
	store NotificationStore
	email notify.EmailSender // optional
	sms   notify.PushSink    // optional
	push  notify.PushSink    // optional
	now   func() time.Time
}

// NewNotificationService creates a new notification service. Any nil sender
// disables its channel; the in-app feed is the log itself and is always on.
func NewNotificationService(store NotificationStore, email notify.EmailSender, sms, push notify.PushSink) *NotificationService {
	return &NotificationService{
		store: store,
		email: email,
		sms:   sms,
		push:  push,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleSpotOccupied notifies the customer their stay has started
func (s *NotificationService) HandleSpotOccupied(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.SpotOccupied](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}
	msg := message{
		subject: fmt.Sprintf("Parking started at spot %s", evt.SpotCode),
		short: fmt.Sprintf("Hi %s, your parking at spot %s started at %s.",
			evt.CustomerName, evt.SpotCode, evt.EnteredAt.Format("15:04")),
		html: fmt.Sprintf(
			"<h2>Parking started</h2><p>Hi %s,</p><p>Your parking at spot <strong>%s</strong> started at %s.</p>",
			evt.CustomerName, evt.SpotCode, evt.EnteredAt.Format(time.RFC1123)),
	}
	return s.fanOut(ctx, evt.EventID, evt.Name(), evt.CustomerID, msg)
}

// HandleSpotFreed notifies the customer their stay has ended and what it cost
func (s *NotificationService) HandleSpotFreed(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.SpotFreed](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}
	msg := message{
		subject: fmt.Sprintf("Parking ended at spot %s", evt.SpotCode),
		short: fmt.Sprintf("Your parking at spot %s ended. Duration %s, total R$ %.2f.",
			evt.SpotCode, evt.Duration(), evt.AmountCharged),
		html: fmt.Sprintf(
			"<h2>Parking ended</h2><p>Your parking at spot <strong>%s</strong> ended at %s.</p><p>Duration: %s<br>Total: <strong>R$ %.2f</strong></p>",
			evt.SpotCode, evt.ExitedAt.Format(time.RFC1123), evt.Duration(), evt.AmountCharged),
	}
	return s.fanOut(ctx, evt.EventID, evt.Name(), evt.CustomerID, msg)
}

// HandlePaymentProcessed notifies the customer about a settled payment
func (s *NotificationService) HandlePaymentProcessed(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.PaymentProcessed](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}

	var msg message
	if evt.Status == events.PaymentApproved {
		msg = message{
			subject: "Payment approved",
			short: fmt.Sprintf("Your payment of R$ %.2f via %s was approved.",
				evt.Amount, evt.PaymentMethod),
			html: fmt.Sprintf(
				"<h2>Payment approved</h2><p>Your payment of <strong>R$ %.2f</strong> via %s was approved.</p><p>Authorization: %s</p>",
				evt.Amount, evt.PaymentMethod, evt.AuthorizationCode),
		}
	} else {
		msg = message{
			subject: "Payment declined",
			short: fmt.Sprintf("Your payment of R$ %.2f via %s was declined.",
				evt.Amount, evt.PaymentMethod),
			html: fmt.Sprintf(
				"<h2>Payment declined</h2><p>Your payment of <strong>R$ %.2f</strong> via %s was declined. Please try another method.</p>",
				evt.Amount, evt.PaymentMethod),
		}
	}
	return s.fanOut(ctx, evt.EventID, evt.Name(), evt.CustomerID, msg)
}

// fanOut dispatches one rendered message on every enabled channel, logging
// each attempt. Dispatch failures are recorded on the channel's log entry
// and never requeue the event; the processed mark is what makes a
// redelivery converge to a no-op.
func (s *NotificationService) fanOut(ctx context.Context, eventID uuid.UUID, eventName string, customerID uuid.UUID, msg message) error {
	if eventID == uuid.Nil {
		return eventbus.Permanent(errors.New("event is missing its id"))
	}

	processed, err := s.store.AlreadyProcessed(ctx, eventID)
	if err != nil {
		return errors.Wrap(err, "failed to check idempotency")
	}
	if processed {
		log.Debug().
			Str("event_id", eventID.String()).
			Str("event", eventName).
			Msg("Event already notified, skipping")
		return nil
	}

	settings, err := s.store.Settings(ctx, customerID)
	if err != nil {
		return errors.Wrap(err, "failed to load notification settings")
	}
	if settings == nil {
		// No saved preferences: every channel defaults to enabled.
		settings = &models.NotificationSettings{
			CustomerID:   customerID,
			EmailEnabled: true,
			SMSEnabled:   true,
			PushEnabled:  true,
			InAppEnabled: true,
		}
	}

	if settings.EmailEnabled && s.email != nil {
		if settings.EmailAddress == "" {
			log.Debug().
				Str("customer_id", customerID.String()).
				Msg("No email address on file, skipping email channel")
		} else {
			if err := s.dispatch(ctx, eventID, eventName, customerID, models.ChannelEmail, msg, func(ctx context.Context) error {
				return s.email.Send(ctx, settings.EmailAddress, msg.subject, msg.html)
			}); err != nil {
				return err
			}
		}
	}
	if settings.SMSEnabled && s.sms != nil {
		if err := s.dispatch(ctx, eventID, eventName, customerID, models.ChannelSMS, msg, func(ctx context.Context) error {
			return s.sms.Push(ctx, customerID, msg.short)
		}); err != nil {
			return err
		}
	}
	if settings.PushEnabled && s.push != nil {
		if err := s.dispatch(ctx, eventID, eventName, customerID, models.ChannelPush, msg, func(ctx context.Context) error {
			return s.push.Push(ctx, customerID, msg.short)
		}); err != nil {
			return err
		}
	}
	if settings.InAppEnabled {
		// The log entry is the in-app feed; creating it is the delivery.
		if err := s.dispatch(ctx, eventID, eventName, customerID, models.ChannelInApp, msg, func(context.Context) error {
			return nil
		}); err != nil {
			return err
		}
	}

	if err := s.store.MarkProcessed(ctx, eventID); err != nil {
		return errors.Wrap(err, "failed to mark event processed")
	}
	return nil
}

// dispatch logs one attempt on one channel. A send failure lands in the
// log row and is not returned; failing to write the row itself is returned
// so the event requeues instead of leaving an unrecorded attempt.
func (s *NotificationService) dispatch(ctx context.Context, eventID uuid.UUID, eventName string, customerID uuid.UUID, channel models.Channel, msg message, send func(context.Context) error) error {
	entry := &models.NotificationLog{
		ID:         uuid.New(),
		EventID:    eventID,
		EventName:  eventName,
		CustomerID: customerID,
		Channel:    channel,
		Status:     models.DispatchStatusPending,
		Subject:    msg.subject,
		Body:       msg.short,
	}
	if err := s.store.CreateLog(ctx, entry); err != nil {
		return errors.Wrapf(err, "failed to create %s notification log", channel)
	}

	if err := send(ctx); err != nil {
		log.Warn().Err(err).
			Str("event_id", eventID.String()).
			Str("channel", string(channel)).
			Str("customer_id", customerID.String()).
			Msg("Notification dispatch failed")
		if markErr := s.store.MarkLogFailed(ctx, entry.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("log_id", entry.ID.String()).Msg("Failed to mark notification failed")
		}
		return nil
	}

	if err := s.store.MarkLogSent(ctx, entry.ID, s.now()); err != nil {
		log.Error().Err(err).Str("log_id", entry.ID.String()).Msg("Failed to mark notification sent")
		return nil
	}
	log.Info().
		Str("event_id", eventID.String()).
		Str("channel", string(channel)).
		Str("customer_id", customerID.String()).
		Msg("Notification dispatched")
	return nil
}
