package eventbus

import (
	"context"
	"sync"

	"example.com/parkwise/services/pipeline/config"
	"example.com/parkwise/services/pipeline/internal/events"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// AzureBus is the Azure Service Bus transport: a single topic with one
// subscription per (event type, subscriber) pair. The broker tracks delivery
// counts itself, so exhausted deliveries use its native dead-letter
// sub-queue.
type AzureBus struct {
	cfg    config.BusConfig
	client *azservicebus.Client
	sender *azservicebus.Sender

	mu        sync.Mutex
	receivers map[string]*azservicebus.Receiver
}

// NewAzureBus creates a Service Bus client and a sender for the topic
func NewAzureBus(cfg config.BusConfig) (*AzureBus, error) {
	if cfg.AzureConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.AzureConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.AzureTopic, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &AzureBus{
		cfg:       cfg,
		client:    client,
		sender:    sender,
		receivers: make(map[string]*azservicebus.Receiver),
	}, nil
}

// Publish sends an event to the topic. The Subject carries the logical
// event name so subscription filters route each copy to the right queue.
func (b *AzureBus) Publish(ctx context.Context, event events.Event) error {
	body, err := events.Marshal(event)
	if err != nil {
		return err
	}

	name := event.Name()
	id := event.ID().String()
	msg := &azservicebus.Message{
		Body:      body,
		MessageID: &id,
		Subject:   &name,
		ApplicationProperties: map[string]interface{}{
			"occurred_at": event.Occurred().Unix(),
		},
	}

	if err := b.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to publish %s", name)
	}
	return nil
}

// Start opens a receiver per subscription and consumes until ctx is
// cancelled.
func (b *AzureBus) Start(ctx context.Context, reg *Registry) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, sub := range reg.Subscriptions() {
		sub := sub
		receiver, err := b.client.NewReceiverForSubscription(b.cfg.AzureTopic, sub.QueueName(), nil)
		if err != nil {
			return errors.Wrapf(err, "failed to create receiver for %s", sub.QueueName())
		}

		b.mu.Lock()
		b.receivers[sub.QueueName()] = receiver
		b.mu.Unlock()

		g.Go(func() error {
			return b.consume(ctx, receiver, sub)
		})
	}

	return g.Wait()
}

func (b *AzureBus) consume(ctx context.Context, receiver *azservicebus.Receiver, sub Subscription) error {
	log.Info().
		Str("subscription", sub.QueueName()).
		Str("event", sub.EventName).
		Msg("Consuming")

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to receive from %s", sub.QueueName())
		}

		for _, msg := range messages {
			b.dispatch(ctx, receiver, sub, msg)
		}
	}
}

func (b *AzureBus) dispatch(ctx context.Context, receiver *azservicebus.Receiver, sub Subscription, msg *azservicebus.ReceivedMessage) {
	err := sub.Handler(ctx, Delivery{
		EventName: sub.EventName,
		MessageID: msg.MessageID,
		Body:      msg.Body,
	})

	switch {
	case err == nil:
		if cerr := receiver.CompleteMessage(ctx, msg, nil); cerr != nil {
			log.Warn().Err(cerr).Str("message_id", msg.MessageID).Msg("Failed to complete message")
		}

	case IsPermanent(err):
		reason := "permanent handler failure"
		desc := err.Error()
		log.Warn().
			Err(err).
			Str("subscription", sub.QueueName()).
			Str("message_id", msg.MessageID).
			Msg("Dead-lettering delivery with permanent failure")
		if dlerr := receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &desc,
		}); dlerr != nil {
			log.Error().Err(dlerr).Str("message_id", msg.MessageID).Msg("Failed to dead-letter message")
		}

	default:
		// Abandon returns the message to the subscription; the broker's
		// MaxDeliveryCount bounds redelivery and dead-letters the rest.
		log.Warn().
			Err(err).
			Str("subscription", sub.QueueName()).
			Str("message_id", msg.MessageID).
			Uint32("delivery_count", msg.DeliveryCount).
			Msg("Handler failed, abandoning for redelivery")
		if aerr := receiver.AbandonMessage(ctx, msg, nil); aerr != nil {
			log.Warn().Err(aerr).Str("message_id", msg.MessageID).Msg("Failed to abandon message")
		}
	}
}

// Unsubscribe closes the receiver for one (event type, subscriber) pair
func (b *AzureBus) Unsubscribe(eventName, subscriber string) error {
	name := Subscription{EventName: eventName, Subscriber: subscriber}.QueueName()

	b.mu.Lock()
	receiver, ok := b.receivers[name]
	delete(b.receivers, name)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return receiver.Close(context.Background())
}

// Close shuts down the sender, receivers and client
func (b *AzureBus) Close() error {
	b.mu.Lock()
	for _, r := range b.receivers {
		_ = r.Close(context.Background())
	}
	b.receivers = make(map[string]*azservicebus.Receiver)
	b.mu.Unlock()

	if b.sender != nil {
		_ = b.sender.Close(context.Background())
	}
	if b.client != nil {
		return b.client.Close(context.Background())
	}
	return nil
}
