package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/pricearena/internal/cache/memory"
	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/store/memory"
)

type roundFixture struct {
	clock    *fakeClock
	price    *fakePrice
	store    *memory.Store
	bus      *cachemem.Bus
	notifier *recordingNotifier
	engine   *RoundEngine
}

func newRoundFixture(t *testing.T) *roundFixture {
	t.Helper()
	f := &roundFixture{
		clock:    newClock(),
		price:    &fakePrice{},
		bus:      cachemem.NewBus(100),
		notifier: &recordingNotifier{},
	}
	f.store = newMemStore(f.clock)
	f.engine = NewRoundEngine(f.store.Rounds(), f.price, RoundConfig{
		Length:    60 * time.Second,
		BetWindow: 30 * time.Second,
		Pause:     5 * time.Second,
		FeeRate:   0.10,
		WinXP:     100,
	}, RoundDeps{
		Ticks:    f.store.Ticks(),
		Bus:      f.bus,
		Audit:    f.store.Audit(),
		Notifier: f.notifier,
		Metrics:  metrics.New(),
		Now:      f.clock.Now,
	}, discardLogger())
	return f
}

func (f *roundFixture) latest(t *testing.T) domain.Round {
	t.Helper()
	r, err := f.store.Rounds().Latest(context.Background())
	require.NoError(t, err)
	return r
}

func TestTick_WaitsForPrice(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Tick(ctx))
	_, err := f.store.Rounds().Latest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.price.Set(64000)
	require.NoError(t, f.engine.Tick(ctx))
	r := f.latest(t)
	assert.Equal(t, domain.RoundOpen, r.State)
	assert.Equal(t, 64000.0, r.StartPrice)
	assert.Equal(t, f.clock.Now(), r.StartsAt)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), r.EndsAt)
	assert.Equal(t, []string{"round_opened"}, busEventTypes(t, f.bus))
}

func TestTick_LocksAfterBetWindow(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))

	f.clock.Advance(29 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, domain.RoundOpen, f.latest(t).State)

	f.clock.Advance(time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, domain.RoundLocked, f.latest(t).State)
}

func TestRoundLifecycle_SettlesOnceAndPays(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		fund(t, f.store, u, 100)
	}

	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))

	_, err := f.engine.PlaceBet(ctx, "a", domain.SideBuy, 60)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "b", domain.SideBuy, 40)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "c", domain.SideSell, 50)
	require.NoError(t, err)

	snap, err := f.engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150), snap.Bank)
	assert.Equal(t, int64(60), snap.SecsLeft)

	f.price.Set(101)
	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))

	r := f.latest(t)
	require.Equal(t, domain.RoundClosed, r.State)
	require.NotNil(t, r.WinnerSide)
	assert.Equal(t, domain.SideBuy, *r.WinnerSide)
	assert.Equal(t, 101.0, *r.EndPrice)
	assert.Equal(t, int64(5), r.Fee)
	assert.Equal(t, int64(145), r.Distributable)

	assert.Equal(t, int64(127), balance(t, f.store, "a"))
	assert.Equal(t, int64(118), balance(t, f.store, "b"))
	assert.Equal(t, int64(50), balance(t, f.store, "c"))

	payouts, err := f.store.Rounds().Payouts(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)

	ua, err := f.store.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ua.XP)

	// Further ticks inside the pause leave the closed round alone.
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, r.ID, f.latest(t).ID)

	_, err = f.engine.Settle(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Equal(t, int64(127), balance(t, f.store, "a"))
	assert.Contains(t, auditEvents(t, f.store.Audit()), "anomaly")
	assert.Contains(t, f.notifier.Events(), "anomaly")
	assert.Contains(t, f.notifier.Events(), "round_settled")
}

func TestTick_HonoursPause(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))
	first := f.latest(t)

	f.clock.Advance(60 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	require.Equal(t, domain.RoundClosed, f.latest(t).State)

	f.clock.Advance(4 * time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	assert.Equal(t, first.ID, f.latest(t).ID)

	f.clock.Advance(time.Second)
	require.NoError(t, f.engine.Tick(ctx))
	next := f.latest(t)
	assert.Equal(t, first.ID+1, next.ID)
	assert.Equal(t, domain.RoundOpen, next.State)
	assert.False(t, next.StartsAt.Before(first.EndsAt.Add(5*time.Second)))
}

func TestPlaceBet_Validation(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	fund(t, f.store, "u", 100)

	_, err := f.engine.PlaceBet(ctx, "u", domain.SideBuy, 10)
	assert.ErrorIs(t, err, domain.ErrBettingClosed, "no round yet")

	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))

	_, err = f.engine.PlaceBet(ctx, "u", domain.SideBuy, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.engine.PlaceBet(ctx, "u", domain.SideBuy, -5)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.engine.PlaceBet(ctx, "u", domain.Side("UP"), 10)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = f.engine.PlaceBet(ctx, "u", domain.SideSell, 101)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, int64(100), balance(t, f.store, "u"))
	bank, err := f.store.Rounds().Bank(ctx, f.latest(t).ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bank)

	bet, err := f.engine.PlaceBet(ctx, "u", domain.SideSell, 100)
	require.NoError(t, err)
	assert.Equal(t, f.latest(t).ID, bet.RoundID)
	assert.Equal(t, int64(0), balance(t, f.store, "u"))

	f.clock.Advance(30 * time.Second)
	fund(t, f.store, "u", 10)
	_, err = f.engine.PlaceBet(ctx, "u", domain.SideBuy, 10)
	assert.ErrorIs(t, err, domain.ErrBettingClosed, "bet window elapsed before the tick locks")
	assert.Equal(t, int64(10), balance(t, f.store, "u"))

	require.NoError(t, f.engine.Tick(ctx))
	require.Equal(t, domain.RoundLocked, f.latest(t).State)
	_, err = f.engine.PlaceBet(ctx, "u", domain.SideBuy, 10)
	assert.ErrorIs(t, err, domain.ErrBettingClosed, "locked round")
	assert.Equal(t, int64(10), balance(t, f.store, "u"))

	entries, err := f.store.Audit().List(ctx, domain.ListOpts{EventPrefix: "anomaly"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "bet_outside_window", e.Detail["kind"])
	}
	assert.Equal(t, "u", entries[0].Detail["user_id"])
	assert.Contains(t, f.notifier.Events(), "anomaly")
}

func TestSettle_DefersWithoutPrice(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))
	id := f.latest(t).ID

	f.price = &fakePrice{}
	f.engine.price = f.price
	_, err := f.engine.Settle(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNoPrice)
	assert.Equal(t, domain.RoundOpen, f.latest(t).State)

	f.clock.Advance(time.Minute)
	assert.NoError(t, f.engine.Tick(ctx))
	assert.True(t, f.latest(t).State.Active())
}

func TestBootstrap(t *testing.T) {
	t.Run("opens the first round", func(t *testing.T) {
		f := newRoundFixture(t)
		f.price.Set(100)
		require.NoError(t, f.engine.Bootstrap(context.Background()))
		assert.Equal(t, domain.RoundOpen, f.latest(t).State)
	})

	t.Run("no price leaves opening to the ticker", func(t *testing.T) {
		f := newRoundFixture(t)
		require.NoError(t, f.engine.Bootstrap(context.Background()))
		_, err := f.store.Rounds().Latest(context.Background())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("keeps a live round", func(t *testing.T) {
		f := newRoundFixture(t)
		f.price.Set(100)
		require.NoError(t, f.engine.Tick(context.Background()))
		before := f.latest(t)

		f.clock.Advance(10 * time.Second)
		require.NoError(t, f.engine.Bootstrap(context.Background()))
		assert.Equal(t, before, f.latest(t))
	})

	t.Run("recovers a stuck round", func(t *testing.T) {
		f := newRoundFixture(t)
		ctx := context.Background()
		fund(t, f.store, "u", 50)
		f.price.Set(100)
		require.NoError(t, f.engine.Tick(ctx))
		stuck := f.latest(t)
		_, err := f.engine.PlaceBet(ctx, "u", domain.SideBuy, 20)
		require.NoError(t, err)

		f.clock.Advance(10 * time.Minute)
		require.NoError(t, f.engine.Bootstrap(ctx))

		old, err := f.store.Rounds().Get(ctx, stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoundClosed, old.State)
		assert.Equal(t, int64(50), balance(t, f.store, "u"))

		fresh := f.latest(t)
		assert.Equal(t, stuck.ID+1, fresh.ID)
		assert.Equal(t, domain.RoundOpen, fresh.State)
		assert.Contains(t, auditEvents(t, f.store.Audit()), "round_recovered")
		assert.Contains(t, f.notifier.Events(), "round_recovered")
	})
}

func TestState_FallsBackToRecordedTick(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()

	snap, err := f.engine.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.ID)
	assert.Nil(t, snap.LastPrice)

	require.NoError(t, f.store.Ticks().Insert(ctx, domain.PriceTick{Symbol: "BTCUSDT", Price: 63000, Provider: "binance"}))
	snap, err = f.engine.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.LastPrice)
	assert.Equal(t, 63000.0, *snap.LastPrice)

	f.price.Set(64000)
	require.NoError(t, f.engine.Tick(ctx))
	f.clock.Advance(12500 * time.Millisecond)
	snap, err = f.engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 64000.0, *snap.LastPrice)
	assert.Equal(t, domain.RoundOpen, snap.Phase)
	assert.Equal(t, int64(48), snap.SecsLeft)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type brokenLock struct{}

func (brokenLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis down")
}

func TestTick_RespectsDistributedLock(t *testing.T) {
	f := newRoundFixture(t)
	f.price.Set(100)

	f.engine.lock = heldLock{}
	require.NoError(t, f.engine.Tick(context.Background()))
	_, err := f.store.Rounds().Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.engine.lock = brokenLock{}
	assert.Error(t, f.engine.Tick(context.Background()))
}

func TestSettle_ConcurrentCallsPayOnce(t *testing.T) {
	f := newRoundFixture(t)
	ctx := context.Background()
	fund(t, f.store, "a", 100)
	fund(t, f.store, "b", 100)

	f.price.Set(100)
	require.NoError(t, f.engine.Tick(ctx))
	_, err := f.engine.PlaceBet(ctx, "a", domain.SideBuy, 40)
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, "b", domain.SideSell, 60)
	require.NoError(t, err)
	id := f.latest(t).ID

	f.price.Set(90)
	f.clock.Advance(61 * time.Second)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
		repeats int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, domain.ErrAlreadySettled):
				repeats++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, callers-1, repeats)

	payouts, err := f.store.Rounds().Payouts(ctx, id)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "b", payouts[0].UserID)
	assert.Equal(t, int64(136), balance(t, f.store, "b"))
	assert.Equal(t, int64(60), balance(t, f.store, "a"))
}
