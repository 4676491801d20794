// Package feed keeps a single live price sourced from several interchangeable
// providers. One provider streams at a time; a watchdog fails over to the
// next one when the stream goes quiet and primary affinity returns to the
// first provider once it is healthy again.
package feed

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/platform/exchange"
)

// Options configures a Feed. Zero durations fall back to the defaults below.
type Options struct {
	// Primary is moved to the front of the provider list.
	Primary       string
	PollInterval  time.Duration
	FailoverAfter time.Duration
	CheckInterval time.Duration
	PrimaryCheck  time.Duration
	StatusLog     time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 1500 * time.Millisecond
	}
	if o.FailoverAfter <= 0 {
		o.FailoverAfter = 10 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.PrimaryCheck <= 0 {
		o.PrimaryCheck = 60 * time.Second
	}
	if o.StatusLog <= 0 {
		o.StatusLog = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Listener is notified of every accepted sample.
type Listener func(price float64, provider string, transport domain.Transport)

// Feed owns the live price and the provider rotation.
type Feed struct {
	providers []exchange.Provider
	opts      Options
	logger    *slog.Logger

	mu            sync.RWMutex
	lastPrice     float64
	hasPrice      bool
	lastMessageAt time.Time
	provider      string
	transport     domain.Transport
	connected     bool
	idx           int
	failovers     int64
	listeners     []Listener

	// streamMu serialises connect so the watchdog and primary affinity never
	// open two streams at once.
	streamMu sync.Mutex
	stream   exchange.Closer
	// gen is bumped on every connect; status callbacks from superseded
	// streams are ignored.
	gen atomic.Int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	active    atomic.Int64
}

// New creates a Feed over providers with the configured primary first.
func New(providers []exchange.Provider, opts Options, logger *slog.Logger) *Feed {
	ordered := make([]exchange.Provider, 0, len(providers))
	for _, p := range providers {
		if strings.EqualFold(p.Name(), opts.Primary) {
			ordered = append(ordered, p)
		}
	}
	for _, p := range providers {
		if !strings.EqualFold(p.Name(), opts.Primary) {
			ordered = append(ordered, p)
		}
	}
	return &Feed{
		providers: ordered,
		opts:      opts.withDefaults(),
		logger:    logger.With(slog.String("component", "price_feed")),
	}
}

// OnPrice registers l for every accepted sample. Register before Start.
func (f *Feed) OnPrice(l Listener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// Start connects the primary provider and launches the background loops. It
// returns immediately; call Close to stop. Start is a no-op after the first
// call or when there are no providers.
func (f *Feed) Start(ctx context.Context) {
	if len(f.providers) == 0 {
		f.logger.WarnContext(ctx, "no price providers configured")
		return
	}
	f.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		f.cancel = cancel

		f.connect(ctx, 0)

		f.spawn(func() { f.every(ctx, f.opts.PollInterval, f.poll) })
		f.spawn(func() { f.every(ctx, f.opts.CheckInterval, f.watchdog) })
		f.spawn(func() { f.every(ctx, f.opts.PrimaryCheck, f.primaryAffinity) })
		f.spawn(func() { f.every(ctx, f.opts.StatusLog, f.logStatus) })
	})
}

// Close stops the tickers and the active stream and waits for every
// goroutine the feed started. It is safe to call more than once.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.wg.Wait()

		f.streamMu.Lock()
		if f.stream != nil {
			_ = f.stream.Close()
			f.stream = nil
		}
		f.streamMu.Unlock()

		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
	})
	return nil
}

// Active returns the number of feed goroutines still running, including the
// stream goroutine of the active provider.
func (f *Feed) Active() int64 {
	return f.active.Load()
}

// LastPrice returns the most recent accepted price. ok is false until the
// first sample arrives.
func (f *Feed) LastPrice() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.hasPrice
}

// Status returns a snapshot of the feed bookkeeping.
func (f *Feed) Status() domain.FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := domain.FeedStatus{
		Provider:      f.provider,
		Transport:     f.transport,
		Connected:     f.connected,
		LastMessageAt: f.lastMessageAt,
		FailoverCount: f.failovers,
	}
	if f.hasPrice {
		p := f.lastPrice
		st.LastPrice = &p
	}
	if !f.lastMessageAt.IsZero() {
		st.AgeMs = f.opts.Now().Sub(f.lastMessageAt).Milliseconds()
	}
	return st
}

// onPrice records a sample from any provider. Non-finite and non-positive
// values are dropped; otherwise the last write wins.
func (f *Feed) onPrice(price float64, provider string, transport domain.Transport) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return
	}
	f.mu.Lock()
	f.lastPrice = price
	f.hasPrice = true
	f.lastMessageAt = f.opts.Now()
	f.provider = provider
	f.transport = transport
	f.connected = true
	listeners := f.listeners
	f.mu.Unlock()

	for _, l := range listeners {
		l(price, provider, transport)
	}
}

// connect closes the current stream and opens provider idx.
func (f *Feed) connect(ctx context.Context, idx int) {
	f.streamMu.Lock()
	defer f.streamMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	if f.stream != nil {
		_ = f.stream.Close()
		f.stream = nil
	}

	p := f.providers[idx]
	gen := f.gen.Add(1)

	f.mu.Lock()
	f.idx = idx
	f.provider = p.Name()
	f.connected = false
	// Reset so a provider that never speaks fails over once per threshold.
	f.lastMessageAt = f.opts.Now()
	f.mu.Unlock()

	f.logger.InfoContext(ctx, "connecting price provider",
		slog.String("provider", p.Name()),
		slog.Int("index", idx),
	)

	f.active.Add(1)
	inner := p.Stream(ctx, f.onPrice, func(st exchange.Status) { f.onStatus(gen, st) })
	f.stream = &countedCloser{inner: inner, active: &f.active}
}

func (f *Feed) onStatus(gen int64, st exchange.Status) {
	if f.gen.Load() != gen {
		return
	}
	switch st.State {
	case exchange.StateOpen:
		f.mu.Lock()
		f.connected = true
		f.mu.Unlock()
		f.logger.Info("price provider connected", slog.String("provider", st.Provider))
	case exchange.StateRetry:
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		attrs := []any{
			slog.String("provider", st.Provider),
			slog.Duration("wait", st.Wait),
		}
		if st.Err != nil {
			attrs = append(attrs, slog.String("error", st.Err.Error()))
		}
		f.logger.Warn("price provider disconnected, retrying", attrs...)
	}
}

// watchdog fails over to the next provider when no sample has arrived for
// FailoverAfter.
func (f *Feed) watchdog(ctx context.Context) {
	f.mu.Lock()
	silent := f.opts.Now().Sub(f.lastMessageAt)
	if silent <= f.opts.FailoverAfter {
		f.mu.Unlock()
		return
	}
	f.failovers++
	from := f.idx
	next := (f.idx + 1) % len(f.providers)
	f.mu.Unlock()

	f.logger.WarnContext(ctx, "price feed silent, failing over",
		slog.String("from", f.providers[from].Name()),
		slog.String("to", f.providers[next].Name()),
		slog.Duration("silent", silent),
	)
	f.connect(ctx, next)
}

// primaryAffinity reconnects to the primary when another provider is active.
func (f *Feed) primaryAffinity(ctx context.Context) {
	f.mu.RLock()
	idx := f.idx
	f.mu.RUnlock()
	if idx == 0 {
		return
	}
	f.logger.InfoContext(ctx, "returning to primary price provider",
		slog.String("primary", f.providers[0].Name()),
	)
	f.connect(ctx, 0)
}

// poll cross-checks the active provider over REST. Errors are dropped; the
// stream remains the main source.
func (f *Feed) poll(ctx context.Context) {
	f.mu.RLock()
	p := f.providers[f.idx]
	f.mu.RUnlock()

	price, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.DebugContext(ctx, "rest poll failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	f.onPrice(price, p.Name(), domain.TransportPoll)
}

func (f *Feed) logStatus(ctx context.Context) {
	st := f.Status()
	attrs := []any{
		slog.String("provider", st.Provider),
		slog.String("transport", string(st.Transport)),
		slog.Bool("connected", st.Connected),
		slog.Int64("age_ms", st.AgeMs),
		slog.Int64("failovers", st.FailoverCount),
	}
	if st.LastPrice != nil {
		attrs = append(attrs, slog.Float64("last_price", *st.LastPrice))
	}
	f.logger.InfoContext(ctx, "price feed status", attrs...)
}

func (f *Feed) spawn(fn func()) {
	f.wg.Add(1)
	f.active.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.active.Add(-1)
		fn()
	}()
}

func (f *Feed) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// countedCloser releases the feed's goroutine count once the stream has
// fully stopped.
type countedCloser struct {
	inner  exchange.Closer
	active *atomic.Int64
	once   sync.Once
}

func (c *countedCloser) Close() error {
	var err error
	c.once.Do(func() {
		err = c.inner.Close()
		c.active.Add(-1)
	})
	return err
}
