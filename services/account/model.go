package account

import "time"

const (
	StatusPending  = "pending"
	StatusVerified = "verified"
)

// PayoutAccount links a user to their external payee identity. Rows are
// never deleted; a processor downgrade flips payout_enabled off instead.
type PayoutAccount struct {
	ID                string    `gorm:"column:id;primaryKey"`
	UserID            string    `gorm:"column:user_id;uniqueIndex"`
	ExternalAccountID string    `gorm:"column:external_account_id;index"`
	Status            string    `gorm:"column:status"`
	PayoutEnabled     bool      `gorm:"column:payout_enabled"`
	BankLast4         string    `gorm:"column:bank_last4"`
	Country           string    `gorm:"column:country"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (PayoutAccount) TableName() string {
	return "payout_accounts"
}
