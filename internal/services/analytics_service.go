package services

import (
	"context"
	"time"

	"example.com/parkwise/services/pipeline/internal/eventbus"
	"example.com/parkwise/services/pipeline/internal/events"
	"example.com/parkwise/services/pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AnalyticsStore is the persistence surface analytics needs
type AnalyticsStore interface {
	AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
	CreateOccupied(ctx context.Context, record *models.OccupancyRecord, eventID uuid.UUID) error
	LatestOpenBySpot(ctx context.Context, spotID uuid.UUID) (*models.OccupancyRecord, error)
	Free(ctx context.Context, id uuid.UUID, eventID uuid.UUID, exitTime time.Time, durationSeconds int64, fee float64) error
	FreedForDay(ctx context.Context, day time.Time) ([]models.OccupancyRecord, error)
	UpsertDailyMetrics(ctx context.Context, metrics *models.DailyMetrics) error
	MetricsForDay(ctx context.Context, day time.Time) (*models.DailyMetrics, error)
}

// AnalyticsService maintains the occupancy ledger and recomputes daily
// aggregates from it. All metric writes are full-day recomputations, so a
// redelivered or late event can shift a day's figures but never
// double-count them.
type AnalyticsService struct {
	store AnalyticsStore
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(store AnalyticsStore) *AnalyticsService {
	return &AnalyticsService{store: store}
}

// HandleSpotOccupied opens a ledger record for the new stay
func (s *AnalyticsService) HandleSpotOccupied(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.SpotOccupied](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}
	if evt.EventID == uuid.Nil {
		return eventbus.Permanent(errors.New("event is missing its id"))
	}

	processed, err := s.store.AlreadyProcessed(ctx, evt.EventID)
	if err != nil {
		return errors.Wrap(err, "failed to check idempotency")
	}
	if processed {
		log.Debug().
			Str("event_id", evt.EventID.String()).
			Msg("SpotOccupied already recorded, skipping")
		return nil
	}

	record := &models.OccupancyRecord{
		ID:           uuid.New(),
		SpotID:       evt.SpotID,
		SpotCode:     evt.SpotCode,
		CustomerID:   evt.CustomerID,
		CustomerName: evt.CustomerName,
		EntryTime:    evt.EnteredAt,
		Status:       models.OccupancyStatusOccupied,
	}
	if err := s.store.CreateOccupied(ctx, record, evt.EventID); err != nil {
		return errors.Wrap(err, "failed to record occupancy")
	}

	log.Info().
		Str("spot_code", evt.SpotCode).
		Str("customer_id", evt.CustomerID.String()).
		Msg("Occupancy recorded")
	return nil
}

// HandleSpotFreed closes the spot's open ledger record and recomputes the
// aggregates for the stay's entry day. A freed event with no matching open
// record is logged and acknowledged: the occupied event may have been lost
// or is still in flight, and requeueing would never make it appear.
func (s *AnalyticsService) HandleSpotFreed(ctx context.Context, d eventbus.Delivery) error {
	evt, err := events.Decode[events.SpotFreed](d.Body)
	if err != nil {
		return eventbus.Permanent(err)
	}
	if evt.EventID == uuid.Nil {
		return eventbus.Permanent(errors.New("event is missing its id"))
	}

	processed, err := s.store.AlreadyProcessed(ctx, evt.EventID)
	if err != nil {
		return errors.Wrap(err, "failed to check idempotency")
	}
	if processed {
		log.Debug().
			Str("event_id", evt.EventID.String()).
			Msg("SpotFreed already recorded, skipping")
		return nil
	}

	open, err := s.store.LatestOpenBySpot(ctx, evt.SpotID)
	if err != nil {
		return errors.Wrap(err, "failed to find open occupancy")
	}
	if open == nil {
		log.Warn().
			Str("spot_id", evt.SpotID.String()).
			Str("event_id", evt.EventID.String()).
			Msg("SpotFreed without matching open occupancy, acknowledging")
		if err := s.store.MarkProcessed(ctx, evt.EventID); err != nil {
			return errors.Wrap(err, "failed to mark event processed")
		}
		return nil
	}

	if err := s.store.Free(ctx, open.ID, evt.EventID, evt.ExitedAt, evt.DurationSeconds, evt.AmountCharged); err != nil {
		return errors.Wrap(err, "failed to close occupancy")
	}

	if err := s.RecomputeDay(ctx, open.EntryTime); err != nil {
		// The ledger write is durable and the event is marked processed; a
		// failed recomputation heals on the next freed event for that day.
		log.Error().Err(err).
			Time("day", open.EntryTime).
			Msg("Failed to recompute daily metrics")
	}

	log.Info().
		Str("spot_code", evt.SpotCode).
		Int64("duration_seconds", evt.DurationSeconds).
		Float64("fee", evt.AmountCharged).
		Msg("Occupancy closed")
	return nil
}

// RecomputeDay re-aggregates one calendar day from the ledger and writes
// the result as set-to-value.
func (s *AnalyticsService) RecomputeDay(ctx context.Context, day time.Time) error {
	day = day.Truncate(24 * time.Hour)

	records, err := s.store.FreedForDay(ctx, day)
	if err != nil {
		return errors.Wrap(err, "failed to load freed records")
	}

	metrics := &models.DailyMetrics{
		ID:  uuid.New(),
		Day: day,
	}
	if len(records) > 0 {
		var revenue float64
		var duration int64
		for _, r := range records {
			revenue += r.Fee
			duration += r.DurationSeconds
		}
		metrics.TotalOccupancies = len(records)
		metrics.TotalRevenue = revenue
		metrics.AverageTicket = revenue / float64(len(records))
		metrics.AverageDurationSeconds = duration / int64(len(records))
	}

	if err := s.store.UpsertDailyMetrics(ctx, metrics); err != nil {
		return errors.Wrap(err, "failed to upsert daily metrics")
	}
	return nil
}

// MetricsForDay returns the aggregates for one calendar day, or nil when
// the day has none.
func (s *AnalyticsService) MetricsForDay(ctx context.Context, day time.Time) (*models.DailyMetrics, error) {
	return s.store.MetricsForDay(ctx, day)
}
