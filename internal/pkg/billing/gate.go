package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Claim decides whether the monthly quota covers claiming the lead or an
// on-demand charge must succeed first, then consumes and records the claim.
//
// The sequencing is the whole point: a failed charge never consumes quota,
// and a consumption that cannot be completed after a successful charge is
// compensated with a best-effort refund. Charge and counter live in different
// systems, so this is an explicit saga, not a transaction.
func (s *Service) Claim(ctx context.Context, accountID, leadID uint) (*ClaimResult, error) {
	now := time.Now()

	// Idempotent on the lead dimension: a pair that is already claimed is
	// success, not an error, and must never charge again.
	if existing, err := s.repo.GetLeadClaim(accountID, leadID); err == nil {
		return s.alreadyClaimedResult(accountID, existing, now)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RolloverCreditCycle(accountID, now, creditCycle); err != nil {
		return nil, err
	}
	if a, err = s.repo.GetAccount(accountID); err != nil {
		return nil, err
	}

	tier := a.EffectiveTier(now)
	limit := entitlements.CreditLimit(tier)
	fee := entitlements.ClaimFeeCents(tier)

	charged := false
	var chargeRef, providerRef string
	if limit >= 0 && a.CreditsUsed >= limit {
		result, outcome, err := s.chargeForClaim(ctx, a, leadID, tier, fee, limit)
		if result != nil || err != nil {
			return result, err
		}
		charged = true
		chargeRef = outcome.chargeRef
		providerRef = outcome.providerRef
	}

	// Atomic consume: quota-tagged claims enforce the limit in the store,
	// paid claims increment past it for reporting.
	consumeLimit := limit
	if charged {
		consumeLimit = entitlements.UnlimitedCredits
	}
	allowed, err := s.repo.ConsumeCredit(accountID, consumeLimit)
	if err == nil && !allowed {
		// Lost the quota race since the peek above; the retry will route
		// through the charge path.
		return &ClaimResult{
			Success:            false,
			FeeCents:           fee,
			CreditsUsed:        a.CreditsUsed,
			CreditLimit:        limit,
			NeedsPaymentMethod: !a.HasPaymentMethod(),
			Error:              "lead quota exhausted",
		}, nil
	}
	if err != nil {
		if charged {
			s.reverseCharge(ctx, chargeRef, providerRef)
		}
		return nil, err
	}

	created, err := s.repo.CreateLeadClaim(&models.LeadClaim{
		AccountID:       accountID,
		LeadID:          leadID,
		PaymentRequired: charged,
		ChargeRef:       providerRef,
	})
	if err != nil || !created {
		// A concurrent identical request won the insert. Give back what this
		// attempt took and report the already-satisfied claim as success.
		if relErr := s.repo.ReleaseCredit(accountID); relErr != nil {
			log.Errorf("claim compensation: release credit for account %d failed: %v", accountID, relErr)
		}
		if charged {
			s.reverseCharge(ctx, chargeRef, providerRef)
		}
		if err != nil {
			return nil, err
		}
		existing, lookupErr := s.repo.GetLeadClaim(accountID, leadID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return s.alreadyClaimedResult(accountID, existing, now)
	}

	a, err = s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{
		Success:     true,
		Charged:     charged,
		FeeCents:    fee,
		CreditsUsed: a.CreditsUsed,
		CreditLimit: limit,
	}, nil
}

type chargeRefs struct {
	chargeRef   string
	providerRef string
}

// chargeForClaim runs the payment-required branch. It returns a non-nil
// ClaimResult for business rejections (no payment method, decline), an error
// for internal/transient failures, and refs when the charge succeeded.
func (s *Service) chargeForClaim(ctx context.Context, a *models.Account, leadID uint, tier entitlements.Tier, fee int64, limit int) (*ClaimResult, *chargeRefs, error) {
	if fee <= 0 {
		// Unlimited tiers never reach this branch; a zero fee here means a
		// misconfigured tier table.
		return nil, nil, fmt.Errorf("tier %s has no claim fee but a finite quota", tier)
	}
	if !a.HasPaymentMethod() || a.StripeCustomerID == "" {
		return &ClaimResult{
			Success:            false,
			FeeCents:           fee,
			CreditsUsed:        a.CreditsUsed,
			CreditLimit:        limit,
			NeedsPaymentMethod: true,
			Error:              "lead quota exhausted: add a payment method to claim more leads",
		}, nil, nil
	}

	idempotencyKey := uuid.NewString()
	leadRef := leadID
	payment := &models.Payment{
		AccountID:   a.ID,
		LeadID:      &leadRef,
		Provider:    models.BillingProviderStripe,
		ChargeRef:   idempotencyKey,
		AmountCents: fee,
		Currency:    "eur",
		Status:      models.PaymentStatusPending,
		Tier:        string(tier),
		Description: fmt.Sprintf("on-demand lead claim (lead %d)", leadID),
	}
	if err := s.repo.CreatePayment(payment); err != nil {
		return nil, nil, err
	}

	outcome, err := s.payments.Charge(ctx, ChargeInput{
		CustomerRef:      a.StripeCustomerID,
		PaymentMethodRef: a.PaymentMethodRef,
		AmountCents:      fee,
		Currency:         "eur",
		Description:      payment.Description,
		IdempotencyKey:   idempotencyKey,
		Metadata: map[string]string{
			"account_id": fmt.Sprint(a.ID),
			"lead_id":    fmt.Sprint(leadID),
			"tier":       string(tier),
		},
	})
	if err != nil {
		// Transient remote failure: no state changed beyond the pending row.
		if markErr := s.repo.MarkPaymentOutcome(idempotencyKey, models.PaymentStatusFailed, ""); markErr != nil {
			log.Errorf("mark payment %s failed: %v", idempotencyKey, markErr)
		}
		return nil, nil, err
	}
	if !outcome.Succeeded {
		if markErr := s.repo.MarkPaymentOutcome(idempotencyKey, models.PaymentStatusFailed, outcome.ProviderRef); markErr != nil {
			log.Errorf("mark payment %s failed: %v", idempotencyKey, markErr)
		}
		msg := outcome.DeclineReason
		if msg == "" {
			msg = "payment was declined"
		}
		return &ClaimResult{
			Success:     false,
			FeeCents:    fee,
			CreditsUsed: a.CreditsUsed,
			CreditLimit: limit,
			Error:       msg,
		}, nil, nil
	}

	if err := s.repo.MarkPaymentOutcome(idempotencyKey, models.PaymentStatusSucceeded, outcome.ProviderRef); err != nil {
		log.Errorf("mark payment %s succeeded: %v", idempotencyKey, err)
	}
	return nil, &chargeRefs{chargeRef: idempotencyKey, providerRef: outcome.ProviderRef}, nil
}

// reverseCharge is the saga's compensating action: best-effort refund of a
// charge whose consumption could not be completed. At-least-once by design;
// a failed refund is logged for manual follow-up, never retried inline.
func (s *Service) reverseCharge(ctx context.Context, chargeRef, providerRef string) {
	if err := s.payments.Refund(ctx, providerRef); err != nil {
		log.Errorf("compensating refund for charge %s failed: %v", providerRef, err)
		return
	}
	if err := s.repo.MarkPaymentOutcome(chargeRef, models.PaymentStatusRefunded, providerRef); err != nil {
		log.Errorf("mark payment %s refunded: %v", chargeRef, err)
	}
}

func (s *Service) alreadyClaimedResult(accountID uint, claim *models.LeadClaim, now time.Time) (*ClaimResult, error) {
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	tier := a.EffectiveTier(now)
	return &ClaimResult{
		Success:        true,
		AlreadyClaimed: true,
		Charged:        claim.PaymentRequired,
		CreditsUsed:    cycleCreditsUsed(a, now),
		CreditLimit:    entitlements.CreditLimit(tier),
	}, nil
}
