package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierBasic, ParseTier("basic"))
	assert.Equal(t, TierPro, ParseTier("  PRO "))
	assert.Equal(t, TierEnterprise, ParseTier("Enterprise"))
	assert.Equal(t, TierFree, ParseTier("free"))
	assert.Equal(t, TierFree, ParseTier("gold"))
	assert.Equal(t, TierFree, ParseTier(""))
}

func TestCreditLimit(t *testing.T) {
	assert.Equal(t, 5, CreditLimit(TierFree))
	assert.Equal(t, 20, CreditLimit(TierBasic))
	assert.Equal(t, UnlimitedCredits, CreditLimit(TierPro))
	assert.Equal(t, UnlimitedCredits, CreditLimit(TierEnterprise))
}

func TestClaimFeeCents(t *testing.T) {
	assert.Equal(t, int64(1500), ClaimFeeCents(TierFree))
	assert.Equal(t, int64(750), ClaimFeeCents(TierBasic))
	assert.Equal(t, int64(0), ClaimFeeCents(TierPro))
	assert.Equal(t, int64(0), ClaimFeeCents(TierEnterprise))
}

func TestTierRankOrdering(t *testing.T) {
	assert.Greater(t, TierRank(TierEnterprise), TierRank(TierPro))
	assert.Greater(t, TierRank(TierPro), TierRank(TierBasic))
	assert.Greater(t, TierRank(TierBasic), TierRank(TierFree))
}

func TestEffectiveTier(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	assert.Equal(t, TierPro, EffectiveTier(TierPro, &future, now))
	assert.Equal(t, TierPro, EffectiveTier(TierPro, nil, now))
	assert.Equal(t, TierFree, EffectiveTier(TierPro, &past, now))
	assert.Equal(t, TierFree, EffectiveTier(TierPro, &now, now))
	assert.Equal(t, TierFree, EffectiveTier(TierFree, nil, now))
}
