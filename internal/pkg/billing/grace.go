package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// sweepBatchSize bounds how many accounts one sweep pass downgrades.
const sweepBatchSize = 100

// SweepExpiredGracePeriods downgrades every account whose payment-failure
// grace window has expired. The failed-payment webhook handler itself never
// downgrades; only this sweep (or the next webhook observing an expired
// deadline) does, so an account keeps its tier until the deadline even after
// three failures. Returns the number of accounts downgraded.
func (s *Service) SweepExpiredGracePeriods(ctx context.Context) (int, error) {
	_ = ctx
	now := time.Now()
	accounts, err := s.repo.ListGraceExpiredAccounts(now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	downgraded := 0
	for i := range accounts {
		a := accounts[i]
		if !graceExpired(&a, now) {
			continue
		}
		next := applyDowngrade(a)
		if err := s.repo.SaveAccount(&next); err != nil {
			log.Errorf("grace sweep: downgrade account %d failed: %v", a.ID, err)
			continue
		}
		log.Infof("grace sweep: account %d downgraded to free after expired grace period", a.ID)
		downgraded++
	}
	return downgraded, nil
}
