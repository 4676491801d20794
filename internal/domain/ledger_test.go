package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelCurve_LevelFor(t *testing.T) {
	curve := LevelCurve{Base: 5000, Growth: 1.15}

	tests := []struct {
		name    string
		xp      int64
		current int
		want    int
	}{
		{"zero xp stays at level one", 0, 1, 1},
		{"just below level two", 5749, 1, 1},
		{"exactly level two", 5750, 1, 2},
		{"jumps several levels at once", 20000, 1, 10},
		{"never decreases", 0, 4, 4},
		{"level zero is treated as one", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, curve.LevelFor(tt.xp, tt.current))
		})
	}
}

func TestLevelCurve_DegenerateCurveDoesNotLoop(t *testing.T) {
	assert.Equal(t, 3, LevelCurve{Base: 0, Growth: 1.15}.LevelFor(1_000_000, 3))
	assert.Equal(t, 1, LevelCurve{Base: 100, Growth: 0.5}.LevelFor(1_000_000, 1))

	done := make(chan int, 1)
	go func() { done <- LevelCurve{Base: 100, Growth: 1}.LevelFor(100, 1) }()
	select {
	case level := <-done:
		assert.Equal(t, 1, level)
	case <-time.After(2 * time.Second):
		t.Fatal("flat curve did not return")
	}
}

type recordingApplier struct {
	usd, xp, limit int64
	fail           error
}

func (r *recordingApplier) ApplyUSD(_ context.Context, amount int64) error {
	r.usd += amount
	return r.fail
}

func (r *recordingApplier) ApplyXP(_ context.Context, amount int64) error {
	r.xp += amount
	return r.fail
}

func (r *recordingApplier) ApplyLimitDelta(_ context.Context, delta int64) error {
	r.limit += delta
	return r.fail
}

func TestReward_Apply(t *testing.T) {
	ctx := context.Background()
	a := &recordingApplier{}

	require.NoError(t, Reward{Kind: RewardUSD, Amount: 1000}.Apply(ctx, a))
	require.NoError(t, Reward{Kind: RewardXP, Amount: 300}.Apply(ctx, a))
	require.NoError(t, Reward{Kind: RewardLimitDelta, Amount: 1}.Apply(ctx, a))

	assert.Equal(t, int64(1000), a.usd)
	assert.Equal(t, int64(300), a.xp)
	assert.Equal(t, int64(1), a.limit)

	err := Reward{Kind: RewardKind(42), Amount: 1}.Apply(ctx, a)
	assert.ErrorIs(t, err, ErrUnknownRewardKind)
}

func TestLevelPolicy_ApplyLevelUps(t *testing.T) {
	p := LevelPolicy{
		Curve:        LevelCurve{Base: 5000, Growth: 1.15},
		LevelUpBonus: 10000,
		LimitEvery:   5,
	}

	a := &recordingApplier{}
	require.NoError(t, p.ApplyLevelUps(context.Background(), 1, 5, a))

	// levels 2..5 pay 11000, 12000, 13000, 13000
	assert.Equal(t, int64(49000), a.usd)
	assert.Equal(t, int64(1), a.limit)
	assert.Zero(t, a.xp)

	assert.Empty(t, LevelPolicy{}.LevelUpRewards(7))
}

func TestLevelPolicy_ApplyLevelUpsPropagatesErrors(t *testing.T) {
	p := LevelPolicy{LevelUpBonus: 100}
	boom := errors.New("boom")
	err := p.ApplyLevelUps(context.Background(), 1, 2, &recordingApplier{fail: boom})
	assert.ErrorIs(t, err, boom)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "betting_closed", ErrorCode(ErrBettingClosed))
	assert.Equal(t, "track_limit", ErrorCode(errors.Join(errors.New("x"), ErrTrackLimit)))
	assert.Equal(t, "", ErrorCode(errors.New("other")))
}
