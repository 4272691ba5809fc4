package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/models"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/entitlements"
)

// creditCycle is the length of one lead-credit billing cycle.
const creditCycle = 30 * 24 * time.Hour

// ConsumeResult reports the outcome of one quota consumption attempt.
type ConsumeResult struct {
	Allowed     bool
	CreditsUsed int
	CreditLimit int
}

// TryConsume consumes one lead credit for the account if the quota covers
// it. The cycle rollover and the check-and-increment both execute as single
// atomic statements in the store; two concurrent calls at limit-1 resolve to
// exactly one success. Unlimited tiers always succeed but still count for
// reporting.
func (s *Service) TryConsume(ctx context.Context, accountID uint) (*ConsumeResult, error) {
	_ = ctx
	a, err := s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.repo.RolloverCreditCycle(accountID, now, creditCycle); err != nil {
		return nil, err
	}

	limit := entitlements.CreditLimit(a.EffectiveTier(now))
	allowed, err := s.repo.ConsumeCredit(accountID, limit)
	if err != nil {
		return nil, err
	}

	// Re-read for reporting; the decision was already made atomically above.
	a, err = s.repo.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	return &ConsumeResult{
		Allowed:     allowed,
		CreditsUsed: a.CreditsUsed,
		CreditLimit: limit,
	}, nil
}

// cycleCreditsUsed projects the counter value for read-time decisions: a
// counter whose cycle has elapsed reads as zero even before a claim writes
// the rollover.
func cycleCreditsUsed(a *models.Account, now time.Time) int {
	if !a.CreditsResetAt.After(now.Add(-creditCycle)) {
		return 0
	}
	return a.CreditsUsed
}
