package payout

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// PayoutRequest is one withdrawal attempt. The row is inserted in pending
// before the processor is contacted so a crash mid-settlement leaves a
// durable, inspectable intent record instead of silently losing the
// request.
type PayoutRequest struct {
	ID                 string          `gorm:"column:id;primaryKey"`
	UserID             string          `gorm:"column:user_id;index"`
	AmountRequested    decimal.Decimal `gorm:"column:amount_requested;type:decimal(12,2)"`
	AmountFee          decimal.Decimal `gorm:"column:amount_fee;type:decimal(12,2)"`
	AmountNet          decimal.Decimal `gorm:"column:amount_net;type:decimal(12,2)"`
	Status             string          `gorm:"column:status;index"`
	ExternalTransferID *string         `gorm:"column:external_transfer_id;index"`
	FailureReason      *string         `gorm:"column:failure_reason"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
	ProcessedAt        *time.Time      `gorm:"column:processed_at"`
}

func (PayoutRequest) TableName() string {
	return "payout_requests"
}

// Terminal reports whether the request has reached an absorbing state.
// Terminal requests accept no further status writes.
func (p *PayoutRequest) Terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WebhookEvent records every verified processor event with its outcome.
// The unique provider event id gives redeliveries a stable audit row; the
// handlers themselves stay idempotent, so replays are applied rather than
// rejected.
type WebhookEvent struct {
	ID              uint           `gorm:"column:id;primaryKey"`
	Provider        string         `gorm:"column:provider;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `gorm:"column:provider_event_id;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType       string         `gorm:"column:event_type;index"`
	Payload         datatypes.JSON `gorm:"column:payload"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
	ProcessingError string         `gorm:"column:processing_error"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// Validation is the validator's accept result.
type Validation struct {
	AvailableEarnings decimal.Decimal `json:"available_earnings"`
}

// mapExternalStatus translates a processor transfer status to the local
// payout status. Anything unrecognised keeps the request in processing
// until the processor reports a terminal state.
func mapExternalStatus(external string) string {
	switch external {
	case "paid":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCancelled
	default:
		return StatusProcessing
	}
}
