package models

import "time"

// LeadClaim records that an account claimed a lead. The unique composite
// index makes claiming idempotent per (account, lead) pair: at most one row
// can ever exist, no matter how often the claim endpoint is hit.
type LeadClaim struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AccountID       uint      `gorm:"not null;index:ux_lead_claims_account_lead,unique,priority:1" json:"account_id"`
	LeadID          uint      `gorm:"not null;index:ux_lead_claims_account_lead,unique,priority:2;index" json:"lead_id"`
	PaymentRequired bool      `gorm:"not null;default:false" json:"payment_required"`
	ChargeRef       string    `gorm:"type:varchar(191);default:''" json:"charge_ref,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
