package entitlements

import (
	"strings"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// UnlimitedCredits marks tiers without a monthly claim quota.
const UnlimitedCredits = -1

// ParseTier normalizes a tier string; unknown values map to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierBasic:
		return TierBasic
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// IsPaid reports whether the tier is a paid subscription level.
func (t Tier) IsPaid() bool {
	return t == TierBasic || t == TierPro || t == TierEnterprise
}

// TierRank orders tiers so the best of several subscriptions can win.
func TierRank(t Tier) int {
	switch t {
	case TierEnterprise:
		return 3
	case TierPro:
		return 2
	case TierBasic:
		return 1
	default:
		return 0
	}
}

// CreditLimit returns the monthly lead-claim quota for a tier.
func CreditLimit(t Tier) int {
	switch t {
	case TierBasic:
		return 20
	case TierPro, TierEnterprise:
		return UnlimitedCredits
	default:
		return 5
	}
}

// ClaimFeeCents returns the on-demand fee charged for a lead claim once the
// quota is exhausted. Pro and enterprise never pay per lead.
func ClaimFeeCents(t Tier) int64 {
	switch t {
	case TierBasic:
		return 750
	case TierPro, TierEnterprise:
		return 0
	default:
		return 1500
	}
}

// EffectiveTier collapses an expired paid tier to free for read-time
// decisions. The stored row is not rewritten here; the grace sweep and
// webhook handlers own persistent downgrades.
func EffectiveTier(t Tier, expiresAt *time.Time, now time.Time) Tier {
	if !t.IsPaid() {
		return TierFree
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return TierFree
	}
	return t
}
