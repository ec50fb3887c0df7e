package repositories

import (
	"context"
	"time"

	"example.com/parkwise/services/pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Consumer names used in the processed-event guard
const (
	ConsumerBilling      = "billing"
	ConsumerNotification = "notification"
	ConsumerAnalytics    = "analytics"
)

func alreadyProcessed(ctx context.Context, db *gorm.DB, eventID uuid.UUID, consumer string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&models.ProcessedEvent{}).
		Where("event_id = ? AND consumer = ?", eventID, consumer).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed event")
	}
	return count > 0, nil
}

func markProcessed(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, consumer string) error {
	return tx.WithContext(ctx).Create(&models.ProcessedEvent{
		EventID:     eventID,
		Consumer:    consumer,
		ProcessedAt: time.Now().UTC(),
	}).Error
}

// BillingRepository provides access to the billing store: invoices, line
// items, payments and the billing processed-event guard.
type BillingRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewBillingRepository creates a new billing repository
func NewBillingRepository(db *gorm.DB, readOnlyDB *gorm.DB) *BillingRepository {
	return &BillingRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// AlreadyProcessed reports whether billing has applied this event before
func (r *BillingRepository) AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return alreadyProcessed(ctx, r.readOnlyDB, eventID, ConsumerBilling)
}

// SaveInvoice persists the invoice with its line items and the
// processed-event mark in one transaction. The unique indexes on the event
// id and invoice number make a concurrent duplicate fail the whole
// transaction, so a redelivery can never leave a second invoice behind.
func (r *BillingRepository) SaveInvoice(ctx context.Context, invoice *models.Invoice) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return errors.Wrap(err, "failed to create invoice")
		}
		if err := markProcessed(ctx, tx, invoice.EventID, ConsumerBilling); err != nil {
			return errors.Wrap(err, "failed to mark event processed")
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "invoice transaction failed")
	}
	return nil
}

// LatestInvoiceNumber returns the highest invoice number with the given
// prefix, or empty when none exists yet.
func (r *BillingRepository) LatestInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	var invoice models.Invoice
	err := r.db.WithContext(ctx).
		Where("number LIKE ?", prefix+"%").
		Order("number DESC").
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", errors.Wrap(err, "failed to look up latest invoice number")
	}
	return invoice.Number, nil
}

// InvoiceByID gets an invoice with its line items
func (r *BillingRepository) InvoiceByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Items").
		First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get invoice by ID")
	}
	return &invoice, nil
}

// InvoicesByCustomer lists a customer's invoices, newest first
func (r *BillingRepository) InvoicesByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.readOnlyDB.WithContext(ctx).
		Preload("Items").
		Where("customer_id = ?", customerID).
		Order("issue_date DESC").
		Find(&invoices).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list invoices by customer")
	}
	return invoices, nil
}

// SavePayment persists a payment attempt, approved or rejected
func (r *BillingRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		return errors.Wrap(err, "failed to create payment")
	}
	return nil
}

// MarkInvoicePaid transitions a pending invoice to Paid and stamps the
// payment date and method.
func (r *BillingRepository) MarkInvoicePaid(ctx context.Context, id uuid.UUID, method string, paidAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ? AND status = ?", id, models.InvoiceStatusPending).
		Updates(map[string]interface{}{
			"status":         models.InvoiceStatusPaid,
			"payment_method": method,
			"paid_at":        paidAt,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark invoice paid")
	}
	if result.RowsAffected == 0 {
		return errors.New("no pending invoice updated")
	}
	return nil
}

// MarkOverdue flips pending invoices past their due date to Overdue and
// returns how many were affected.
func (r *BillingRepository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("status = ? AND due_date < ?", models.InvoiceStatusPending, asOf).
		Update("status", models.InvoiceStatusOverdue)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to mark overdue invoices")
	}
	return result.RowsAffected, nil
}

// AnalyticsRepository provides access to the analytics store: the occupancy
// ledger and daily metrics.
type AnalyticsRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAnalyticsRepository creates a new analytics repository
func NewAnalyticsRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// AlreadyProcessed reports whether analytics has applied this event before
func (r *AnalyticsRepository) AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return alreadyProcessed(ctx, r.readOnlyDB, eventID, ConsumerAnalytics)
}

// MarkProcessed records the event as applied outside any other write, used
// when the handler decides a delivery is a no-op.
func (r *AnalyticsRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	if err := markProcessed(ctx, r.db, eventID, ConsumerAnalytics); err != nil {
		return errors.Wrap(err, "failed to mark event processed")
	}
	return nil
}

// CreateOccupied inserts a new Occupied ledger record together with the
// processed-event mark.
func (r *AnalyticsRepository) CreateOccupied(ctx context.Context, record *models.OccupancyRecord, eventID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return errors.Wrap(err, "failed to create occupancy record")
		}
		return markProcessed(ctx, tx, eventID, ConsumerAnalytics)
	})
	if err != nil {
		return errors.Wrap(err, "occupancy transaction failed")
	}
	return nil
}

// LatestOpenBySpot finds the most recent Occupied record for a spot, or nil
// when the spot has no open stay.
func (r *AnalyticsRepository) LatestOpenBySpot(ctx context.Context, spotID uuid.UUID) (*models.OccupancyRecord, error) {
	var record models.OccupancyRecord
	err := r.db.WithContext(ctx).
		Where("spot_id = ? AND status = ?", spotID, models.OccupancyStatusOccupied).
		Order("entry_time DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find open occupancy record")
	}
	return &record, nil
}

// Free transitions an open record to Freed, stamping the carried duration
// and fee, together with the processed-event mark.
func (r *AnalyticsRepository) Free(ctx context.Context, id uuid.UUID, eventID uuid.UUID, exitTime time.Time, durationSeconds int64, fee float64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.OccupancyRecord{}).
			Where("id = ? AND status = ?", id, models.OccupancyStatusOccupied).
			Updates(map[string]interface{}{
				"status":           models.OccupancyStatusFreed,
				"exit_time":        exitTime,
				"duration_seconds": durationSeconds,
				"fee":              fee,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to free occupancy record")
		}
		if result.RowsAffected == 0 {
			return errors.New("no occupied record updated")
		}
		return markProcessed(ctx, tx, eventID, ConsumerAnalytics)
	})
	if err != nil {
		return errors.Wrap(err, "free transaction failed")
	}
	return nil
}

// FreedForDay lists the Freed records whose stay began on the given
// calendar day.
func (r *AnalyticsRepository) FreedForDay(ctx context.Context, day time.Time) ([]models.OccupancyRecord, error) {
	start := day.Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	var records []models.OccupancyRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND entry_time >= ? AND entry_time < ?", models.OccupancyStatusFreed, start, end).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list freed records for day")
	}
	return records, nil
}

// UpsertDailyMetrics writes a day's aggregates as set-to-value. The upsert
// replaces the previous figures wholesale; callers must pass fully
// recomputed values, never deltas.
func (r *AnalyticsRepository) UpsertDailyMetrics(ctx context.Context, metrics *models.DailyMetrics) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_occupancies",
				"total_revenue",
				"average_ticket",
				"average_duration_seconds",
				"updated_at",
			}),
		}).
		Create(metrics).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert daily metrics")
	}
	return nil
}

// MetricsForDay returns the aggregates for one calendar day, or nil
func (r *AnalyticsRepository) MetricsForDay(ctx context.Context, day time.Time) (*models.DailyMetrics, error) {
	var metrics models.DailyMetrics
	err := r.readOnlyDB.WithContext(ctx).
		Where("day = ?", day.Truncate(24*time.Hour)).
		First(&metrics).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get metrics for day")
	}
	return &metrics, nil
}

// NotificationRepository provides access to the notification store:
// customer settings and dispatch logs.
type NotificationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *NotificationRepository {
	return &NotificationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// AlreadyProcessed reports whether notification has applied this event
func (r *NotificationRepository) AlreadyProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	return alreadyProcessed(ctx, r.readOnlyDB, eventID, ConsumerNotification)
}

// MarkProcessed records the event as applied by the notification consumer
func (r *NotificationRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	if err := markProcessed(ctx, r.db, eventID, ConsumerNotification); err != nil {
		return errors.Wrap(err, "failed to mark event processed")
	}
	return nil
}

// Settings returns a customer's channel toggles, or nil when the customer
// never saved any (all channels default to enabled).
func (r *NotificationRepository) Settings(ctx context.Context, customerID uuid.UUID) (*models.NotificationSettings, error) {
	var settings models.NotificationSettings
	err := r.readOnlyDB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get notification settings")
	}
	return &settings, nil
}

// CreateLog persists a new dispatch log entry
func (r *NotificationRepository) CreateLog(ctx context.Context, log *models.NotificationLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return errors.Wrap(err, "failed to create notification log")
	}
	return nil
}

// MarkLogSent records a successful dispatch attempt
func (r *NotificationRepository) MarkLogSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.NotificationLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   models.DispatchStatusSent,
			"attempts": gorm.Expr("attempts + 1"),
			"sent_at":  sentAt,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark notification sent")
	}
	return nil
}

// MarkLogFailed records a failed dispatch attempt
func (r *NotificationRepository) MarkLogFailed(ctx context.Context, id uuid.UUID, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&models.NotificationLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.DispatchStatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark notification failed")
	}
	return nil
}
