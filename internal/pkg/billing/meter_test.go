package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryConsumeWithinLimit(t *testing.T) {
	svc, repo, _ := newTestService(freeAccount(3))

	result, err := svc.TryConsume(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.CreditsUsed)
	assert.Equal(t, 5, result.CreditLimit)
	assert.Equal(t, 4, repo.account(1).CreditsUsed)
}

func TestTryConsumeAtLimit(t *testing.T) {
	svc, repo, _ := newTestService(freeAccount(5))

	result, err := svc.TryConsume(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, 5, repo.account(1).CreditsUsed)
}

func TestTryConsumeUnlimitedTierStillCounts(t *testing.T) {
	a := basicAccount()
	a.Tier = "pro"
	a.CreditsUsed = 500
	svc, repo, _ := newTestService(a)

	result, err := svc.TryConsume(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, -1, result.CreditLimit)
	assert.Equal(t, 501, repo.account(1).CreditsUsed)
}

func TestTryConsumeRollsOverElapsedCycle(t *testing.T) {
	a := freeAccount(5)
	a.CreditsResetAt = time.Now().Add(-creditCycle - time.Hour)
	svc, repo, _ := newTestService(a)

	result, err := svc.TryConsume(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.CreditsUsed)
	got := repo.account(1)
	assert.Equal(t, 1, got.CreditsUsed)
	assert.WithinDuration(t, time.Now(), got.CreditsResetAt, time.Minute)
}

func TestTryConsumeExpiredPaidTierUsesFreeLimit(t *testing.T) {
	past := time.Now().Add(-24 * time.Hour)
	a := basicAccount()
	a.CreditsUsed = 5
	a.TierExpiresAt = &past
	svc, _, _ := newTestService(a)

	result, err := svc.TryConsume(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, 5, result.CreditLimit)
}
