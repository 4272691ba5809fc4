package models

import (
	"time"

	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
)

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// Account is one service-provider business. It carries the locally-cached
// subscription tier, the monthly lead-credit counter and the payment-failure
// grace state. Accounts are never deleted, only downgraded to free.
type Account struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"not null;index" json:"user_id"`
	BusinessName         string     `gorm:"type:varchar(200);not null" json:"business_name"`
	Tier                 string     `gorm:"type:varchar(20);not null;default:'free';index" json:"tier"`
	TierExpiresAt        *time.Time `gorm:"type:timestamp;default:null" json:"tier_expires_at,omitempty"`
	StripeCustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"-"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);default:''" json:"-"`
	PaymentMethodRef     string     `gorm:"type:varchar(191);default:''" json:"-"`
	CreditsUsed          int        `gorm:"not null;default:0" json:"credits_used"`
	CreditsResetAt       time.Time  `gorm:"type:timestamp;not null" json:"credits_reset_at"`
	FailedPaymentCount   int        `gorm:"not null;default:0" json:"failed_payment_count"`
	GracePeriodEnd       *time.Time `gorm:"type:timestamp;default:null;index" json:"grace_period_end,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveTier is the tier used for all read-time decisions: an expired paid
// tier counts as free even before the stored row is rewritten.
func (a *Account) EffectiveTier(now time.Time) entitlements.Tier {
	return entitlements.EffectiveTier(entitlements.ParseTier(a.Tier), a.TierExpiresAt, now)
}

// HasPaymentMethod reports whether a default payment method is on file.
func (a *Account) HasPaymentMethod() bool {
	return a.PaymentMethodRef != ""
}
