package protocol

import (
	"fmt"
	"math/big"
	"time"
)

// Tier - Teacher staking bracket
type Tier uint8

const (
	Bronze Tier = iota
	Silver
	Gold
	Platinum
	Diamond
)

var tierNames = [...]string{"Bronze", "Silver", "Gold", "Platinum", "Diamond"}

// tierThresholds are the minimum staked TEO per tier.
var tierThresholds = [...]*big.Int{
	MustTEO("0"),
	MustTEO("100"),
	MustTEO("300"),
	MustTEO("600"),
	MustTEO("1000"),
}

// commission rates in basis points of course revenue kept by the platform
var tierCommission = [...]uint16{2500, 2200, 1900, 1600, 1500}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

func (t Tier) Valid() bool { return int(t) < len(tierNames) }

// Threshold is the minimum stake for t.
func (t Tier) Threshold() *big.Int {
	if !t.Valid() {
		return nil
	}
	return new(big.Int).Set(tierThresholds[t])
}

// CommissionRate of t in basis points.
func (t Tier) CommissionRate() uint16 {
	if !t.Valid() {
		return 0
	}
	return tierCommission[t]
}

// TierFor returns the highest tier whose threshold staked reaches.
func TierFor(staked *big.Int) Tier {
	tier := Bronze
	if staked == nil {
		return tier
	}
	for i, threshold := range tierThresholds {
		if staked.Cmp(threshold) >= 0 {
			tier = Tier(i)
		}
	}
	return tier
}

// FormatRate renders basis points as "22%".
func FormatRate(bps uint16) string {
	if bps%100 == 0 {
		return fmt.Sprintf("%d%%", bps/100)
	}
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

// StakingPolicy holds the anti-abuse limits on staking.
type StakingPolicy struct {
	MinStake        *big.Int
	MaxStake        *big.Int
	Window          time.Duration
	MaxStakes       int
	StakeCooldown   time.Duration
	MaxUnstakes     int
	UnstakeLockup   time.Duration
	UnstakeCooldown time.Duration
}

// DefaultStakingPolicy: 2 stakes per 7 days, 3 days apart; 1 unstake per
// 7 days, 7 days after the last stake.
func DefaultStakingPolicy() StakingPolicy {
	return StakingPolicy{
		MinStake:        MustTEO("1"),
		MaxStake:        MustTEO("10000"),
		Window:          7 * 24 * time.Hour,
		MaxStakes:       2,
		StakeCooldown:   3 * 24 * time.Hour,
		MaxUnstakes:     1,
		UnstakeLockup:   7 * 24 * time.Hour,
		UnstakeCooldown: 7 * 24 * time.Hour,
	}
}

func rateLimited(retryAfter time.Duration, format string, args ...any) *RejectedError {
	rej := Reject(ReasonRateLimited, format, args...)
	if retryAfter > 0 {
		rej.RetryAfter = retryAfter
	}
	return rej
}

// CheckStake validates a stake of amount against s at now. When the window is
// full the retry-after is measured from the last stake, which never
// undershoots the real reset.
func (p StakingPolicy) CheckStake(s *TierState, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("stake amount must be positive")
	}
	if p.MinStake != nil && amount.Cmp(p.MinStake) < 0 {
		return fmt.Errorf("stake below minimum of %s", FormatTEO(p.MinStake))
	}
	if p.MaxStake != nil && amount.Cmp(p.MaxStake) > 0 {
		return fmt.Errorf("stake above maximum of %s", FormatTEO(p.MaxStake))
	}
	if s == nil {
		return nil
	}
	if s.StakesInWindow >= p.MaxStakes {
		return rateLimited(s.LastStakeAt.Add(p.Window).Sub(now),
			"at most %d stakes per %s", p.MaxStakes, p.Window)
	}
	if !s.LastStakeAt.IsZero() {
		if wait := s.LastStakeAt.Add(p.StakeCooldown).Sub(now); wait > 0 {
			return rateLimited(wait, "stakes must be %s apart", p.StakeCooldown)
		}
	}
	return nil
}

// CheckUnstake validates an unstake of amount against s at now.
func (p StakingPolicy) CheckUnstake(s *TierState, amount *big.Int, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("unstake amount must be positive")
	}
	if s == nil {
		return nil
	}
	if s.Staked == nil || amount.Cmp(s.Staked) > 0 {
		return Reject(ReasonInsufficientAllowance, "cannot unstake %s, staked %s", FormatTEO(amount), FormatTEO(s.Staked))
	}
	if s.UnstakesInWindow >= p.MaxUnstakes {
		return rateLimited(s.LastUnstakeAt.Add(p.Window).Sub(now),
			"at most %d unstake per %s", p.MaxUnstakes, p.Window)
	}
	if !s.LastStakeAt.IsZero() {
		if wait := s.LastStakeAt.Add(p.UnstakeLockup).Sub(now); wait > 0 {
			return rateLimited(wait, "stake is locked for %s", p.UnstakeLockup)
		}
	}
	if !s.LastUnstakeAt.IsZero() {
		if wait := s.LastUnstakeAt.Add(p.UnstakeCooldown).Sub(now); wait > 0 {
			return rateLimited(wait, "unstakes must be %s apart", p.UnstakeCooldown)
		}
	}
	return nil
}
