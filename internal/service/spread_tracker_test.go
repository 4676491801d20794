package service

import (
	"context"
	"errors"
	"math"
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

const testPair = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"

type fakeQuotes struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (q *fakeQuotes) Set(price float64, err error) {
	q.mu.Lock()
	q.price, q.err = price, err
	q.mu.Unlock()
}

func (q *fakeQuotes) quote() (float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.price, q.err
}

type fakeCEX struct{ fakeQuotes }

func (c *fakeCEX) Supports(exchange string) bool { return exchange == "binance" || exchange == "mexc" }

func (c *fakeCEX) Price(context.Context, string, string) (float64, error) { return c.quote() }

type fakeDEX struct{ fakeQuotes }

func (d *fakeDEX) PairPrice(context.Context, string, string) (float64, error) { return d.quote() }

type spreadFixture struct {
	clock    *fakeClock
	store    *memory.Store
	cex      *fakeCEX
	dex      *fakeDEX
	bus      *cachemem.Bus
	notifier *recordingNotifier
	tracker  *SpreadTracker
}

func newSpreadFixture(t *testing.T) *spreadFixture {
	t.Helper()
	f := &spreadFixture{
		clock:    newClock(),
		cex:      &fakeCEX{},
		dex:      &fakeDEX{},
		bus:      cachemem.NewBus(100),
		notifier: &recordingNotifier{},
	}
	f.store = newMemStore(f.clock)
	f.tracker = NewSpreadTracker(f.store.Spreads(), f.cex, f.dex, SpreadConfig{
		OpenBps:           30,
		ConvergeBps:       10,
		Cooldown:          60 * time.Second,
		SpreadReward:      1000,
		ConvergenceReward: 1000,
		TransitionXP:      300,
		UserTrackLimit:    2,
		Concurrency:       2,
	}, SpreadDeps{
		Bus:      f.bus,
		Audit:    f.store.Audit(),
		Notifier: f.notifier,
		Metrics:  metrics.New(),
		Now:      f.clock.Now,
	}, discardLogger())
	return f
}

func (f *spreadFixture) quote(cex, dex float64) {
	f.cex.Set(cex, nil)
	f.dex.Set(dex, nil)
}

func (f *spreadFixture) process(t *testing.T, id int64) domain.TrackState {
	t.Helper()
	ctx := context.Background()
	track, err := f.store.Spreads().GetTrack(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.tracker.ProcessTrack(ctx, track))
	st, err := f.tracker.TrackState(ctx, id)
	require.NoError(t, err)
	return st
}

func TestSpreadBps(t *testing.T) {
	bps, ok := spreadBps(100, 100.5)
	require.True(t, ok)
	assert.InDelta(t, 49.8753, bps, 1e-3)

	bps, ok = spreadBps(100.5, 100)
	require.True(t, ok)
	assert.InDelta(t, 49.8753, bps, 1e-3, "symmetric")

	bps, ok = spreadBps(42, 42)
	require.True(t, ok)
	assert.Zero(t, bps)

	for _, pair := range [][2]float64{{math.NaN(), 1}, {1, math.Inf(1)}, {0, 1}, {1, -1}} {
		_, ok := spreadBps(pair[0], pair[1])
		assert.False(t, ok, "%v", pair)
	}
}

func TestCreateTrack(t *testing.T) {
	f := newSpreadFixture(t)
	ctx := context.Background()

	_, err := f.tracker.CreateTrack(ctx, "u", "kraken", "BTCUSDT", testPair)
	assert.ErrorIs(t, err, domain.ErrInvalidExchange)

	_, err = f.tracker.CreateTrack(ctx, "u", "binance", "BTCUSDT", "https://example.com/pair")
	assert.ErrorIs(t, err, domain.ErrInvalidDexInput)

	track, err := f.tracker.CreateTrack(ctx, "u", " Binance ", "ethusdt", "https://dexscreener.com/ethereum/"+testPair)
	require.NoError(t, err)
	assert.Equal(t, "binance", track.Exchange)
	assert.Equal(t, "ETHUSDT", track.Symbol)
	assert.Equal(t, "ethereum", track.Chain)
	assert.Equal(t, testPair, track.DexPair)
	assert.Equal(t, domain.TrackIdle, track.Status)

	_, err = f.tracker.CreateTrack(ctx, "u", "mexc", "ETHUSDT", testPair)
	require.NoError(t, err)

	_, err = f.tracker.CreateTrack(ctx, "u", "mexc", "ETHUSDT", testPair)
	assert.ErrorIs(t, err, domain.ErrTrackLimit)

	_, err = f.tracker.CreateTrack(ctx, "other", "mexc", "ETHUSDT", testPair)
	assert.NoError(t, err, "limit is per user")
}

func TestProcessTrack_FullCycle(t *testing.T) {
	f := newSpreadFixture(t)
	ctx := context.Background()
	track, err := f.tracker.CreateTrack(ctx, "u", "binance", "ETHUSDT", testPair)
	require.NoError(t, err)

	f.quote(100, 100)
	st := f.process(t, track.ID)
	assert.Equal(t, domain.TrackIdle, st.Status)
	assert.Zero(t, st.Bps)

	// Wide spread opens the track and pays once.
	f.quote(100, 100.5)
	st = f.process(t, track.ID)
	assert.Equal(t, domain.TrackSpreadOpen, st.Status)
	assert.InDelta(t, 49.875, st.Bps, 1e-2)
	assert.Equal(t, int64(1000), balance(t, f.store, "u"))

	// Still wide: no second reward.
	st = f.process(t, track.ID)
	assert.Equal(t, domain.TrackSpreadOpen, st.Status)
	assert.Equal(t, int64(1000), balance(t, f.store, "u"))

	// Between the thresholds nothing happens.
	f.quote(100, 100.2)
	assert.Equal(t, domain.TrackSpreadOpen, f.process(t, track.ID).Status)

	f.quote(100.05, 100)
	st = f.process(t, track.ID)
	assert.Equal(t, domain.TrackCooldown, st.Status)
	assert.Equal(t, int64(2000), balance(t, f.store, "u"))

	stored, err := f.store.Spreads().GetTrack(ctx, track.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CooldownUntil)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), *stored.CooldownUntil)
	require.NotNil(t, stored.LastSpreadAt)
	require.NotNil(t, stored.LastConvergedAt)

	// Cooldown holds until it expires, even with a wide spread.
	f.quote(100, 100.5)
	assert.Equal(t, domain.TrackCooldown, f.process(t, track.ID).Status)

	f.clock.Advance(61 * time.Second)
	assert.Equal(t, domain.TrackCooldown, f.process(t, track.ID).Status, "spread still above open threshold")

	f.quote(100, 100)
	assert.Equal(t, domain.TrackIdle, f.process(t, track.ID).Status)

	f.quote(100, 100.5)
	assert.Equal(t, domain.TrackSpreadOpen, f.process(t, track.ID).Status)
	assert.Equal(t, int64(3000), balance(t, f.store, "u"))

	events := f.store.Spreads().Events(track.ID)
	require.Len(t, events, 3)
	assert.Equal(t, domain.SpreadEventOpen, events[0].Kind)
	assert.Equal(t, int64(50), events[0].Bps)
	assert.Equal(t, domain.SpreadEventConverged, events[1].Kind)
	assert.Equal(t, int64(5), events[1].Bps)
	assert.Equal(t, domain.SpreadEventOpen, events[2].Kind)

	rewards := f.store.Spreads().Rewards(track.ID)
	require.Len(t, rewards, 3)
	assert.Equal(t, "spread", rewards[0].Type)
	assert.Equal(t, "convergence", rewards[1].Type)
	assert.Equal(t, events[1].ID, rewards[1].EventID)

	u, err := f.store.GetUser(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(900), u.XP)

	assert.Equal(t, []string{"spread_open", "spread_converged", "spread_idle", "spread_open"}, busEventTypes(t, f.bus))
	assert.Equal(t, []string{"spread_open", "spread_converged", "spread_open"}, f.notifier.Events())
}

func TestProcessTrack_SkipsOnFetchError(t *testing.T) {
	f := newSpreadFixture(t)
	ctx := context.Background()
	track, err := f.tracker.CreateTrack(ctx, "u", "binance", "ETHUSDT", testPair)
	require.NoError(t, err)

	f.cex.Set(100, nil)
	f.dex.Set(0, domain.ErrRateLimited)
	err = f.tracker.ProcessTrack(ctx, track)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	f.dex.Set(math.NaN(), nil)
	assert.NoError(t, f.tracker.ProcessTrack(ctx, track))

	st, err := f.tracker.TrackState(ctx, track.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackState{TrackID: track.ID, Status: domain.TrackIdle}, st, "falls back to stored status")
	assert.Empty(t, f.store.Spreads().Events(track.ID))
}

func TestTrackState_Unknown(t *testing.T) {
	f := newSpreadFixture(t)
	_, err := f.tracker.TrackState(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPollOnce_ProcessesAllAndPrunes(t *testing.T) {
	f := newSpreadFixture(t)
	ctx := context.Background()

	var ids []int64
	for _, user := range []string{"a", "b", "c"} {
		track, err := f.tracker.CreateTrack(ctx, user, "binance", "ETHUSDT", testPair)
		require.NoError(t, err)
		ids = append(ids, track.ID)
	}

	f.quote(100, 100.5)
	require.NoError(t, f.tracker.PollOnce(ctx))
	for _, id := range ids {
		st, err := f.tracker.TrackState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TrackSpreadOpen, st.Status)
	}
	assert.Equal(t, 3, f.cex.calls)

	require.NoError(t, f.tracker.DeleteTrack(ctx, ids[0]))
	_, err := f.tracker.TrackState(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.tracker.DeleteTrack(ctx, ids[0]), domain.ErrNotFound)

	require.NoError(t, f.store.Spreads().DeleteTrack(ctx, ids[1]))
	require.NoError(t, f.tracker.PollOnce(ctx))
	f.tracker.mu.RLock()
	_, kept := f.tracker.states[ids[1]]
	f.tracker.mu.RUnlock()
	assert.False(t, kept)
}

func TestProcessTrack_DeletedMidPoll(t *testing.T) {
	f := newSpreadFixture(t)
	ctx := context.Background()
	track, err := f.tracker.CreateTrack(ctx, "u", "binance", "ETHUSDT", testPair)
	require.NoError(t, err)
	require.NoError(t, f.store.Spreads().DeleteTrack(ctx, track.ID))

	f.quote(100, 100.5)
	assert.NoError(t, f.tracker.ProcessTrack(ctx, track))
	assert.Zero(t, balance(t, f.store, "u"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newSpreadFixture(t)
	f.tracker.cfg.PollInterval = 10 * time.Millisecond
	f.quote(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
