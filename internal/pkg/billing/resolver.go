package billing

import (
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
)

// Consecutive payment failures before the grace window opens.
const graceFailureThreshold = 3

// Fallback grace window when the subscription period end is unknown.
const graceFallback = 14 * 24 * time.Hour

// The resolver maps (event, current account) to the next account state. All
// functions are pure and idempotent: applying the same event twice yields the
// same final state, which the ledger relies on when it re-delivers an event
// that was stuck in processing.

// applyCheckoutCompleted activates the tier purchased in a checkout session.
func applyCheckoutCompleted(a models.Account, ev *Event) models.Account {
	tier := entitlements.TierPro
	if ev.HasTier {
		tier = ev.Tier
	}
	a.Tier = string(tier)
	a.TierExpiresAt = ev.CurrentPeriodEnd
	if ev.CustomerRef != "" {
		a.StripeCustomerID = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		a.StripeSubscriptionID = ev.SubscriptionRef
	}
	if ev.PaymentMethodRef != "" {
		a.PaymentMethodRef = ev.PaymentMethodRef
	}
	return a
}

// applySubscriptionUpdate mirrors a subscription created/updated event. An
// entitling upstream status keeps or sets the paid tier; anything else drops
// the account to free. A missing tier in the event metadata preserves the
// previous tier rather than guessing one.
func applySubscriptionUpdate(a models.Account, ev *Event) models.Account {
	if isEntitlingStatus(ev.Status) {
		if ev.HasTier {
			a.Tier = string(ev.Tier)
		}
		a.TierExpiresAt = ev.CurrentPeriodEnd
	} else {
		a.Tier = string(entitlements.TierFree)
		a.TierExpiresAt = nil
	}
	if ev.SubscriptionRef != "" {
		a.StripeSubscriptionID = ev.SubscriptionRef
	}
	if ev.PaymentMethodRef != "" {
		a.PaymentMethodRef = ev.PaymentMethodRef
	}
	return a
}

// applySubscriptionDeleted drops the account to free and clears the failure
// state; the paid relationship is over.
func applySubscriptionDeleted(a models.Account) models.Account {
	a.Tier = string(entitlements.TierFree)
	a.TierExpiresAt = nil
	a.StripeSubscriptionID = ""
	a.FailedPaymentCount = 0
	a.GracePeriodEnd = nil
	return a
}

// applyPaymentSucceeded recovers the account from any failure state.
func applyPaymentSucceeded(a models.Account) models.Account {
	a.FailedPaymentCount = 0
	a.GracePeriodEnd = nil
	return a
}

// applyPaymentFailed counts a failed invoice payment. On reaching the
// threshold the grace deadline is fixed once; repeated failures afterwards do
// not move it. The downgrade itself never happens here. Only the expiry sweep
// (or the next webhook observing an expired deadline) forces free, so the
// account keeps its tier until the deadline even after three failures.
func applyPaymentFailed(a models.Account, now time.Time, periodEnd *time.Time) models.Account {
	a.FailedPaymentCount++
	if a.FailedPaymentCount >= graceFailureThreshold && a.GracePeriodEnd == nil {
		deadline := now.Add(graceFallback)
		if periodEnd != nil && periodEnd.After(now) {
			deadline = *periodEnd
		}
		a.GracePeriodEnd = &deadline
	}
	return a
}

// applyDowngrade forces the account to free and clears the failure counters.
func applyDowngrade(a models.Account) models.Account {
	a.Tier = string(entitlements.TierFree)
	a.TierExpiresAt = nil
	a.FailedPaymentCount = 0
	a.GracePeriodEnd = nil
	return a
}

// graceExpired reports whether the downgrade condition holds.
func graceExpired(a *models.Account, now time.Time) bool {
	return a.FailedPaymentCount >= graceFailureThreshold &&
		a.GracePeriodEnd != nil && !a.GracePeriodEnd.After(now)
}

// subscriptionFromEvent builds the local mirror row for a subscription event.
func subscriptionFromEvent(accountID uint, ev *Event, status string, tier entitlements.Tier) *models.Subscription {
	return &models.Subscription{
		AccountID:              accountID,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: ev.SubscriptionRef,
		Tier:                   string(tier),
		Status:                 status,
		MonthlyPriceCents:      ev.MonthlyPrice,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		CancelAt:               ev.CancelAt,
		RawPayloadJSON:         ev.RawJSON,
	}
}

// normalizeSubscriptionStatus maps upstream statuses onto the local enum.
func normalizeSubscriptionStatus(status string) string {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return status
	case models.SubscriptionStatusPastDue:
		return models.SubscriptionStatusPastDue
	case models.SubscriptionStatusCanceled:
		return models.SubscriptionStatusCanceled
	case "":
		return models.SubscriptionStatusActive
	default:
		return models.SubscriptionStatusCanceled
	}
}

func isEntitlingStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}
