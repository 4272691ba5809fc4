package models

import "time"

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Payment is one attempted on-demand lead charge or subscription invoice
// payment. Rows are immutable once they reach a terminal status.
type Payment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"not null;index" json:"account_id"`
	LeadID      *uint     `gorm:"default:null;index" json:"lead_id,omitempty"`
	Provider    string    `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ChargeRef   string    `gorm:"type:varchar(191);not null;index:ux_payments_charge_ref,unique" json:"charge_ref"`
	ProviderRef string    `gorm:"type:varchar(191);default:'';index" json:"provider_ref,omitempty"`
	AmountCents int64     `gorm:"not null" json:"amount_cents"`
	Currency    string    `gorm:"type:varchar(8);not null;default:'eur'" json:"currency"`
	Status      string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Tier        string    `gorm:"type:varchar(20);default:''" json:"tier"`
	Description string    `gorm:"type:varchar(255);default:''" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
