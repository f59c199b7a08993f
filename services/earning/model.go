package earning

import (
	"time"

	"github.com/shopspring/decimal"
)

// EarningLog is one commission event earned by a referrer. Rows are append
// only: the settlement engine attaches them to a payout request and the
// webhook reconciler releases them if that payout dies, but nothing ever
// deletes or re-prices one.
type EarningLog struct {
	ID              string          `gorm:"column:id;primaryKey"`
	ReferrerID      string          `gorm:"column:referrer_id;index"`
	AmountEarned    decimal.Decimal `gorm:"column:amount_earned;type:decimal(12,2)"`
	Description     string          `gorm:"column:description"`
	OccurredAt      time.Time       `gorm:"column:occurred_at;index"`
	IsPaidOut       bool            `gorm:"column:is_paid_out;index"`
	PayoutRequestID *string         `gorm:"column:payout_request_id;index"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (EarningLog) TableName() string {
	return "earning_logs"
}

// Summary aggregates a referrer's ledger position. PaidOut covers rows
// attached to any payout that has not terminally failed, so
// Lifetime = Available + PaidOut always holds.
type Summary struct {
	Lifetime  decimal.Decimal `json:"lifetime_earned"`
	Available decimal.Decimal `json:"available_earnings"`
	PaidOut   decimal.Decimal `json:"paid_out"`
}
