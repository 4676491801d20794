package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
)

// FeedSource is the read side of the price feed used by the recorder.
type FeedSource interface {
	PriceSource
	Status() domain.FeedStatus
}

// RecorderConfig controls how often the feed price is persisted and
// broadcast.
type RecorderConfig struct {
	Symbol          string
	RecordInterval  time.Duration
	PublishInterval time.Duration
	CacheTimeout    time.Duration
}

// RecorderDeps are the optional outputs of a PriceRecorder.
type RecorderDeps struct {
	Cache   domain.PriceCache
	Bus     domain.SignalBus
	Metrics *metrics.Collector
	Now     func() time.Time
}

// PriceRecorder mirrors feed samples, at most once per PublishInterval, into
// the price cache and the ch:feed channel. It also writes the current price
// to the tick store every RecordInterval.
type PriceRecorder struct {
	feed    FeedSource
	ticks   domain.PriceTickStore
	cache   domain.PriceCache
	metrics *metrics.Collector
	fx      sideEffects
	cfg     RecorderConfig
	now     func() time.Time
	logger  *slog.Logger

	mu          sync.Mutex
	lastPublish time.Time
	failovers   int64
}

// NewPriceRecorder creates a PriceRecorder.
func NewPriceRecorder(feed FeedSource, ticks domain.PriceTickStore, cfg RecorderConfig, deps RecorderDeps, logger *slog.Logger) *PriceRecorder {
	if cfg.RecordInterval <= 0 {
		cfg.RecordInterval = 60 * time.Second
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Second
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 2 * time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With(slog.String("component", "price_recorder"))
	return &PriceRecorder{
		feed:    feed,
		ticks:   ticks,
		cache:   deps.Cache,
		metrics: deps.Metrics,
		fx:      sideEffects{bus: deps.Bus, logger: logger, now: now},
		cfg:     cfg,
		now:     now,
		logger:  logger,
	}
}

// OnPrice handles one accepted feed sample. Register it with Feed.OnPrice.
func (r *PriceRecorder) OnPrice(price float64, provider string, transport domain.Transport) {
	r.metrics.FeedSample(provider, string(transport), price)
	now := r.now()

	r.mu.Lock()
	due := now.Sub(r.lastPublish) >= r.cfg.PublishInterval
	if due {
		r.lastPublish = now
	}
	r.mu.Unlock()
	if !due {
		return
	}

	// This runs on the feed's read goroutine, so the cache write shares the
	// publish throttle.
	if r.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CacheTimeout)
		err := r.cache.SetPrice(ctx, r.cfg.Symbol, price, now)
		cancel()
		if err != nil {
			r.logger.Debug("price cache write failed", slog.String("error", err.Error()))
		}
	}
	r.fx.broadcast(context.Background(), domain.ChannelFeed, "price", map[string]any{
		"symbol":    r.cfg.Symbol,
		"price":     price,
		"provider":  provider,
		"transport": transport,
	})
}

// Record writes the current feed price to the tick store. It does nothing
// before the first sample.
func (r *PriceRecorder) Record(ctx context.Context) error {
	price, ok := r.feed.LastPrice()
	if !ok {
		return nil
	}
	st := r.feed.Status()
	if err := r.ticks.Insert(ctx, domain.PriceTick{
		Symbol:   r.cfg.Symbol,
		Price:    price,
		Provider: st.Provider,
	}); err != nil {
		return fmt.Errorf("price_recorder: insert tick: %w", err)
	}
	return nil
}

// SyncStatus exports failovers that happened since the last call and
// broadcasts the feed status.
func (r *PriceRecorder) SyncStatus(ctx context.Context) {
	st := r.feed.Status()

	r.mu.Lock()
	delta := st.FailoverCount - r.failovers
	r.failovers = st.FailoverCount
	r.mu.Unlock()
	for range delta {
		r.metrics.FeedFailover()
	}

	payload := map[string]any{
		"provider":       st.Provider,
		"transport":      st.Transport,
		"connected":      st.Connected,
		"age_ms":         st.AgeMs,
		"failover_count": st.FailoverCount,
	}
	if st.LastPrice != nil {
		payload["last_price"] = *st.LastPrice
	}
	r.fx.broadcast(ctx, domain.ChannelFeed, "feed_status", payload)
}

// Run records ticks every RecordInterval and syncs the feed status every
// PublishInterval until ctx is cancelled.
func (r *PriceRecorder) Run(ctx context.Context) error {
	record := time.NewTicker(r.cfg.RecordInterval)
	defer record.Stop()
	status := time.NewTicker(r.cfg.PublishInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-record.C:
			if err := r.Record(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "record price tick failed", slog.String("error", err.Error()))
			}
		case <-status.C:
			r.SyncStatus(ctx)
		}
	}
}
