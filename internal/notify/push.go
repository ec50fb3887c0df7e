package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PushSink delivers a short message to a customer's device group
type PushSink interface {
	Push(ctx context.Context, customerID uuid.UUID, message string) error
}

// CustomerGroup is the channel a customer's devices listen on
func CustomerGroup(customerID uuid.UUID) string {
	return fmt.Sprintf("Customer_%s", customerID)
}

// RedisPushSink publishes push payloads on per-customer Redis channels,
// where connected device gateways pick them up.
type RedisPushSink struct {
	client *redis.Client
}

// NewRedisPushSink creates a Redis-backed push sink
func NewRedisPushSink(client *redis.Client) *RedisPushSink {
	return &RedisPushSink{client: client}
}

// Push publishes the message to the customer's device group
func (s *RedisPushSink) Push(ctx context.Context, customerID uuid.UUID, message string) error {
	if err := s.client.Publish(ctx, CustomerGroup(customerID), message).Err(); err != nil {
		return errors.Wrap(err, "failed to publish push message")
	}
	return nil
}

// LogSink writes push and SMS payloads to the log instead of a provider,
// for environments without one configured.
type LogSink struct {
	channel string
}

// NewLogSink creates a sink that logs under the given channel name
func NewLogSink(channel string) *LogSink {
	return &LogSink{channel: channel}
}

// Push logs the message
func (s *LogSink) Push(_ context.Context, customerID uuid.UUID, message string) error {
	log.Info().
		Str("channel", s.channel).
		Str("customer_id", customerID.String()).
		Str("message", message).
		Msg("Notification dispatched to log sink")
	return nil
}
