package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// InvoiceStatus enumerates invoice lifecycle states
type InvoiceStatus string

// Invoice lifecycle states
const (
	InvoiceStatusPending   InvoiceStatus = "Pending"
	InvoiceStatusPaid      InvoiceStatus = "Paid"
	InvoiceStatusOverdue   InvoiceStatus = "Overdue"
	InvoiceStatusCancelled InvoiceStatus = "Cancelled"
)

// PaymentStatus enumerates payment attempt outcomes
type PaymentStatus string

// Payment attempt outcomes
const (
	PaymentStatusApproved PaymentStatus = "Approved"
	PaymentStatusRejected PaymentStatus = "Rejected"
)

// OccupancyStatus enumerates occupancy record states
type OccupancyStatus string

// Occupancy record states
const (
	OccupancyStatusOccupied OccupancyStatus = "Occupied"
	OccupancyStatusFreed    OccupancyStatus = "Freed"
)

// DispatchStatus enumerates notification dispatch states
type DispatchStatus string

// Notification dispatch states
const (
	DispatchStatusPending DispatchStatus = "Pending"
	DispatchStatusSent    DispatchStatus = "Sent"
	DispatchStatusFailed  DispatchStatus = "Failed"
)

// Channel enumerates notification channels
type Channel string

// Notification channels
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inapp"
)

// Invoice is the billing aggregate created from one freed occupancy. The
// EventID column carries a unique index so a redelivered SpotFreed event can
// never produce a second invoice.
type Invoice struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"-"`
	CustomerID    uuid.UUID         `gorm:"type:uuid;not null;index" json:"customer_id"`
	Number        string            `gorm:"not null;uniqueIndex" json:"number"`
	EventID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex" json:"event_id"`
	IssueDate     time.Time         `gorm:"not null" json:"issue_date"`
	DueDate       time.Time         `gorm:"not null" json:"due_date"`
	Total         float64           `gorm:"not null" json:"total"`
	Status        InvoiceStatus     `gorm:"not null;index" json:"status"`
	PaymentMethod *string           `json:"payment_method"`
	PaidAt        *time.Time        `json:"paid_at"`
	Items         []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"items"`
}

// InvoiceLineItem is one billable unit: a single freed occupancy
type InvoiceLineItem struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	InvoiceID       uuid.UUID `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Description     string    `gorm:"not null" json:"description"`
	SpotCode        string    `gorm:"not null" json:"spot_code"`
	DurationSeconds int64     `gorm:"not null" json:"duration_seconds"`
	Amount          float64   `gorm:"not null" json:"amount"`
}

// Payment is one payment attempt against an invoice. Every attempt is
// persisted, approved or not, as the audit trail.
type Payment struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`
	InvoiceID         uuid.UUID     `gorm:"type:uuid;not null;index" json:"invoice_id"`
	Amount            float64       `gorm:"not null" json:"amount"`
	Method            string        `gorm:"not null" json:"method"`
	Status            PaymentStatus `gorm:"not null" json:"status"`
	AuthorizationCode *string       `json:"authorization_code"`
	AttemptedAt       time.Time     `gorm:"not null" json:"attempted_at"`
}

// OccupancyRecord is the analytics ledger entry for one stay. Created on
// SpotOccupied, transitioned to Freed by the matching SpotFreed.
type OccupancyRecord struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	SpotID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"spot_id"`
	SpotCode        string          `gorm:"not null" json:"spot_code"`
	CustomerID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"customer_id"`
	CustomerName    string          `json:"customer_name"`
	EntryTime       time.Time       `gorm:"not null;index" json:"entry_time"`
	ExitTime        *time.Time      `json:"exit_time"`
	DurationSeconds int64           `gorm:"not null;default:0" json:"duration_seconds"`
	Fee             float64         `gorm:"not null;default:0" json:"fee"`
	Status          OccupancyStatus `gorm:"not null;index" json:"status"`
}

// DailyMetrics holds the aggregate figures for one calendar day. Rows are
// written as set-to-computed-value upserts from a full re-aggregation of the
// day, never incremented, so redelivered events cannot double-count.
type DailyMetrics struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Day                    time.Time `gorm:"not null;uniqueIndex" json:"day"`
	TotalOccupancies       int       `gorm:"not null" json:"total_occupancies"`
	TotalRevenue           float64   `gorm:"not null" json:"total_revenue"`
	AverageTicket          float64   `gorm:"not null" json:"average_ticket"`
	AverageDurationSeconds int64     `gorm:"not null" json:"average_duration_seconds"`
}

// NotificationSettings holds a customer's per-channel toggles. Absent row
// means every channel is enabled.
type NotificationSettings struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	CustomerID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"customer_id"`
	EmailAddress string    `json:"email_address"`
	EmailEnabled bool      `gorm:"not null;default:true" json:"email_enabled"`
	SMSEnabled   bool      `gorm:"not null;default:true" json:"sms_enabled"`
	PushEnabled  bool      `gorm:"not null;default:true" json:"push_enabled"`
	InAppEnabled bool      `gorm:"not null;default:true" json:"inapp_enabled"`
}

// NotificationLog records one dispatch attempt on one channel
type NotificationLog struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	EventID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"event_id"`
	EventName   string         `gorm:"not null" json:"event_name"`
	CustomerID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"customer_id"`
	Channel     Channel        `gorm:"not null" json:"channel"`
	Status      DispatchStatus `gorm:"not null" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	LastError   *string        `json:"last_error"`
	SentAt      *time.Time     `json:"sent_at"`
}

// ProcessedEvent marks an event as applied by one consumer. The composite
// primary key is the idempotency guard shared by all three consumers.
type ProcessedEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"event_id"`
	Consumer    string    `gorm:"primaryKey" json:"consumer"`
	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Invoice{},
		&InvoiceLineItem{},
		&Payment{},
		&OccupancyRecord{},
		&DailyMetrics{},
		&NotificationSettings{},
		&NotificationLog{},
		&ProcessedEvent{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
