package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/platform/exchange"
)

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

// fakeProvider streams the samples in burst once per connection and, when
// every is set, keeps emitting price at that interval.
type fakeProvider struct {
	name  string
	burst []float64
	every time.Duration
	price float64
	fetch func() (float64, error)

	mu       sync.Mutex
	connects int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *fakeProvider) Stream(ctx context.Context, onSample exchange.SampleFunc, onStatus exchange.StatusFunc) exchange.Closer {
	p.mu.Lock()
	p.connects++
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		onStatus(exchange.Status{Provider: p.name, State: exchange.StateOpen})
		for _, v := range p.burst {
			onSample(v, p.name, domain.TransportStream)
		}
		if p.every <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(p.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				onSample(p.price, p.name, domain.TransportStream)
			}
		}
	}()
	return closerFunc(func() error {
		cancel()
		<-done
		return nil
	})
}

func (p *fakeProvider) Fetch(context.Context) (float64, error) {
	if p.fetch == nil {
		return 0, errors.New("no rest")
	}
	return p.fetch()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		Primary:       "p1",
		PollInterval:  time.Hour,
		FailoverAfter: 150 * time.Millisecond,
		CheckInterval: 50 * time.Millisecond,
		PrimaryCheck:  time.Hour,
		StatusLog:     time.Hour,
	}
}

func TestNew_PrimaryFirst(t *testing.T) {
	a := &fakeProvider{name: "binance"}
	b := &fakeProvider{name: "coinbase"}
	c := &fakeProvider{name: "bitstamp"}
	f := New([]exchange.Provider{a, b, c}, Options{Primary: "Bitstamp"}, testLogger())

	names := make([]string, 0, 3)
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"bitstamp", "binance", "coinbase"}, names)
}

func TestFeed_FailsOverWhenSilent(t *testing.T) {
	p1 := &fakeProvider{name: "p1", burst: []float64{100}}
	p2 := &fakeProvider{name: "p2", every: 20 * time.Millisecond, price: 200}

	f := New([]exchange.Provider{p2, p1}, fastOptions(), testLogger())
	f.Start(context.Background())
	defer f.Close()

	require.Eventually(t, func() bool {
		st := f.Status()
		return st.Provider == "p2" && st.LastPrice != nil && *st.LastPrice == 200
	}, 2*time.Second, 10*time.Millisecond)

	st := f.Status()
	assert.Equal(t, int64(1), st.FailoverCount)
	assert.True(t, st.Connected)
	assert.Equal(t, domain.TransportStream, st.Transport)
	assert.Equal(t, 1, p1.Connects())

	// p2 keeps talking, so the watchdog stays quiet.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int64(1), f.Status().FailoverCount)
}

func TestFeed_SilentFeedFailsOverOncePerThreshold(t *testing.T) {
	p1 := &fakeProvider{name: "p1"}
	p2 := &fakeProvider{name: "p2"}

	opts := fastOptions()
	opts.FailoverAfter = 200 * time.Millisecond
	f := New([]exchange.Provider{p1, p2}, opts, testLogger())
	f.Start(context.Background())

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, f.Close())

	// Ten checks over 500ms of silence, but the 200ms threshold restarts on
	// every connect.
	n := f.Status().FailoverCount
	assert.GreaterOrEqual(t, n, int64(1))
	assert.LessOrEqual(t, n, int64(3))
}

func TestFeed_ReturnsToPrimary(t *testing.T) {
	p1 := &fakeProvider{name: "p1"}
	p2 := &fakeProvider{name: "p2", every: 20 * time.Millisecond, price: 200}

	opts := fastOptions()
	opts.PrimaryCheck = 400 * time.Millisecond
	f := New([]exchange.Provider{p1, p2}, opts, testLogger())
	f.Start(context.Background())
	defer f.Close()

	require.Eventually(t, func() bool { return p2.Connects() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p1.Connects() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestFeed_RESTPollFillsPrice(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fetch: func() (float64, error) { return 150.25, nil }}

	opts := fastOptions()
	opts.PollInterval = 30 * time.Millisecond
	opts.FailoverAfter = time.Hour
	f := New([]exchange.Provider{p1}, opts, testLogger())
	f.Start(context.Background())
	defer f.Close()

	require.Eventually(t, func() bool {
		_, ok := f.LastPrice()
		return ok
	}, time.Second, 10*time.Millisecond)

	price, _ := f.LastPrice()
	assert.Equal(t, 150.25, price)
	assert.Equal(t, domain.TransportPoll, f.Status().Transport)
}

func TestFeed_RESTErrorsAreSwallowed(t *testing.T) {
	p1 := &fakeProvider{name: "p1", fetch: func() (float64, error) { return 0, domain.ErrRateLimited }}

	opts := fastOptions()
	opts.PollInterval = 20 * time.Millisecond
	opts.FailoverAfter = time.Hour
	f := New([]exchange.Provider{p1}, opts, testLogger())
	f.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.Close())
	_, ok := f.LastPrice()
	assert.False(t, ok)
}

func TestOnPrice_DropsInvalidAndLastWriteWins(t *testing.T) {
	f := New([]exchange.Provider{&fakeProvider{name: "p1"}}, fastOptions(), testLogger())

	var seen []float64
	f.OnPrice(func(price float64, _ string, _ domain.Transport) { seen = append(seen, price) })

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -5} {
		f.onPrice(v, "p1", domain.TransportStream)
	}
	_, ok := f.LastPrice()
	assert.False(t, ok)
	assert.Nil(t, f.Status().LastPrice)
	assert.Empty(t, seen)

	f.onPrice(100, "p1", domain.TransportPoll)
	f.onPrice(101, "p2", domain.TransportStream)

	price, ok := f.LastPrice()
	require.True(t, ok)
	assert.Equal(t, 101.0, price)
	st := f.Status()
	assert.Equal(t, "p2", st.Provider)
	assert.Equal(t, domain.TransportStream, st.Transport)
	assert.True(t, st.Connected)
	assert.Equal(t, []float64{100, 101}, seen)
}

func TestStatus_AgeUsesClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := fastOptions()
	opts.Now = func() time.Time { return now }
	f := New([]exchange.Provider{&fakeProvider{name: "p1"}}, opts, testLogger())

	f.onPrice(10, "p1", domain.TransportStream)
	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), f.Status().AgeMs)
}

func TestClose_IdempotentAndStopsGoroutines(t *testing.T) {
	p1 := &fakeProvider{name: "p1", every: 10 * time.Millisecond, price: 1}
	p2 := &fakeProvider{name: "p2", every: 10 * time.Millisecond, price: 2}

	f := New([]exchange.Provider{p1, p2}, fastOptions(), testLogger())
	f.Start(context.Background())
	require.Eventually(t, func() bool { return f.Active() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Equal(t, int64(0), f.Active())
	assert.False(t, f.Status().Connected)
}

func TestStart_NoProviders(t *testing.T) {
	f := New(nil, fastOptions(), testLogger())
	f.Start(context.Background())
	assert.Equal(t, int64(0), f.Active())
	require.NoError(t, f.Close())
}
