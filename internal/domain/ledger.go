package domain

import (
	"context"
	"fmt"
	"math"
	"time"
)

// User is the ledger row backing balances and experience.
type User struct {
	ID      string
	Balance int64
	XP      int64
	Level   int
	// TrackLimitBonus is added to the configured per-user spread track limit.
	TrackLimitBonus int
	CreatedAt       time.Time
}

// XPResult is returned by every XP grant.
type XPResult struct {
	XP        int64
	Level     int
	LeveledUp bool
}

// LevelCurve defines threshold(level) = Base * Growth^(level-1).
type LevelCurve struct {
	Base   float64
	Growth float64
}

// Threshold returns the XP needed to hold the given level.
func (c LevelCurve) Threshold(level int) float64 {
	if level < 1 {
		level = 1
	}
	return c.Base * math.Pow(c.Growth, float64(level-1))
}

// LevelFor walks the curve upward from current until xp no longer clears the
// next threshold. Levels never go down.
func (c LevelCurve) LevelFor(xp int64, current int) int {
	if current < 1 {
		current = 1
	}
	// A flat curve has every threshold equal to Base and would never stop.
	if c.Base <= 0 || c.Growth <= 1 {
		return current
	}
	level := current
	for float64(xp) >= c.Threshold(level+1) {
		level++
	}
	return level
}

// RewardKind tags the variant carried by a Reward.
type RewardKind int

const (
	RewardUSD RewardKind = iota + 1
	RewardXP
	RewardLimitDelta
)

func (k RewardKind) String() string {
	switch k {
	case RewardUSD:
		return "usd"
	case RewardXP:
		return "xp"
	case RewardLimitDelta:
		return "limit_delta"
	}
	return fmt.Sprintf("reward_kind(%d)", int(k))
}

// Reward is a single bonus granted to a user.
type Reward struct {
	Kind   RewardKind
	Amount int64
}

// RewardApplier receives each variant of a Reward.
type RewardApplier interface {
	ApplyUSD(ctx context.Context, amount int64) error
	ApplyXP(ctx context.Context, amount int64) error
	ApplyLimitDelta(ctx context.Context, delta int64) error
}

// Apply dispatches r to the matching method of a.
func (r Reward) Apply(ctx context.Context, a RewardApplier) error {
	switch r.Kind {
	case RewardUSD:
		return a.ApplyUSD(ctx, r.Amount)
	case RewardXP:
		return a.ApplyXP(ctx, r.Amount)
	case RewardLimitDelta:
		return a.ApplyLimitDelta(ctx, r.Amount)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRewardKind, r.Kind)
	}
}

// LevelPolicy combines the XP curve with the bonuses paid on level up.
type LevelPolicy struct {
	Curve LevelCurve
	// LevelUpBonus is the base USD bonus for reaching a level; 0 disables it.
	LevelUpBonus int64
	// LimitEvery grants one extra spread track slot every N levels; 0
	// disables it.
	LimitEvery int
}

// LevelUpRewards returns the rewards earned by reaching level.
func (p LevelPolicy) LevelUpRewards(level int) []Reward {
	var out []Reward
	if p.LevelUpBonus > 0 {
		mul := 1 + math.Min(0.3, 0.1*float64(level-1))
		out = append(out, Reward{Kind: RewardUSD, Amount: int64(math.Round(float64(p.LevelUpBonus) * mul))})
	}
	if p.LimitEvery > 0 && level%p.LimitEvery == 0 {
		out = append(out, Reward{Kind: RewardLimitDelta, Amount: 1})
	}
	return out
}

// ApplyLevelUps pays the rewards for every level in (from, to].
func (p LevelPolicy) ApplyLevelUps(ctx context.Context, from, to int, a RewardApplier) error {
	for l := from + 1; l <= to; l++ {
		for _, r := range p.LevelUpRewards(l) {
			if err := r.Apply(ctx, a); err != nil {
				return fmt.Errorf("level %d reward %s: %w", l, r.Kind, err)
			}
		}
	}
	return nil
}
