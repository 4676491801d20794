package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/notify"
)

// SpreadConfig holds the spread thresholds and rewards.
type SpreadConfig struct {
	OpenBps           float64
	ConvergeBps       float64
	Cooldown          time.Duration
	SpreadReward      int64
	ConvergenceReward int64
	// TransitionXP is granted once per spread_open and converged event.
	TransitionXP   int64
	PollInterval   time.Duration
	UserTrackLimit int
	// Concurrency bounds the number of tracks polled at once.
	Concurrency int
}

// CEXSource quotes centralised exchange tickers.
type CEXSource interface {
	Supports(exchange string) bool
	Price(ctx context.Context, exchange, symbol string) (float64, error)
}

// DEXSource quotes DEX pairs.
type DEXSource interface {
	PairPrice(ctx context.Context, chain, pair string) (float64, error)
}

// SpreadDeps are the optional collaborators of a SpreadTracker.
type SpreadDeps struct {
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier Notifier
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// SpreadTracker polls a CEX and a DEX price for every track and drives the
// idle -> spread_open -> cooldown -> idle state machine.
type SpreadTracker struct {
	store   domain.SpreadStore
	cex     CEXSource
	dex     DEXSource
	cfg     SpreadConfig
	metrics *metrics.Collector
	fx      sideEffects
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.RWMutex
	states map[int64]domain.TrackState
}

// NewSpreadTracker creates a SpreadTracker.
func NewSpreadTracker(store domain.SpreadStore, cex CEXSource, dex DEXSource, cfg SpreadConfig, deps SpreadDeps, logger *slog.Logger) *SpreadTracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With(slog.String("component", "spread_tracker"))
	return &SpreadTracker{
		store:   store,
		cex:     cex,
		dex:     dex,
		cfg:     cfg,
		metrics: deps.Metrics,
		fx: sideEffects{
			bus:      deps.Bus,
			audit:    deps.Audit,
			notifier: deps.Notifier,
			logger:   logger,
			now:      now,
		},
		now:    now,
		logger: logger,
		states: make(map[int64]domain.TrackState),
	}
}

// CreateTrack validates the exchange and DEX input and stores a new idle
// track for userID, subject to the per-user track limit.
func (t *SpreadTracker) CreateTrack(ctx context.Context, userID, exchange, symbol, dexInput string) (domain.SpreadTrack, error) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	if !t.cex.Supports(exchange) {
		return domain.SpreadTrack{}, fmt.Errorf("spread_tracker: create track: %q: %w", exchange, domain.ErrInvalidExchange)
	}
	ref, ok := ParseDexInput(dexInput)
	if !ok {
		return domain.SpreadTrack{}, fmt.Errorf("spread_tracker: create track: %w", domain.ErrInvalidDexInput)
	}

	track, err := t.store.CreateTrack(ctx, domain.SpreadTrack{
		UserID:   userID,
		Exchange: exchange,
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Chain:    ref.Chain,
		DexPair:  ref.Pair,
		Status:   domain.TrackIdle,
	}, t.cfg.UserTrackLimit)
	if err != nil {
		return domain.SpreadTrack{}, fmt.Errorf("spread_tracker: create track: %w", err)
	}

	t.logger.InfoContext(ctx, "spread track created",
		slog.Int64("track_id", track.ID),
		slog.String("user_id", userID),
		slog.String("exchange", track.Exchange),
		slog.String("symbol", track.Symbol),
		slog.String("chain", track.Chain),
		slog.String("pair", track.DexPair),
	)
	return track, nil
}

// DeleteTrack removes a track and its in-memory state.
func (t *SpreadTracker) DeleteTrack(ctx context.Context, id int64) error {
	if err := t.store.DeleteTrack(ctx, id); err != nil {
		return fmt.Errorf("spread_tracker: delete track %d: %w", id, err)
	}
	t.mu.Lock()
	delete(t.states, id)
	t.mu.Unlock()
	t.logger.InfoContext(ctx, "spread track deleted", slog.Int64("track_id", id))
	return nil
}

// TrackState returns the latest polled view of a track. Before its first
// poll only the stored status is known.
func (t *SpreadTracker) TrackState(ctx context.Context, id int64) (domain.TrackState, error) {
	t.mu.RLock()
	st, ok := t.states[id]
	t.mu.RUnlock()
	if ok {
		return st, nil
	}
	track, err := t.store.GetTrack(ctx, id)
	if err != nil {
		return domain.TrackState{}, fmt.Errorf("spread_tracker: track %d: %w", id, err)
	}
	return domain.TrackState{TrackID: track.ID, Status: track.Status}, nil
}

// Run polls every track each PollInterval until ctx is cancelled.
func (t *SpreadTracker) Run(ctx context.Context) error {
	t.logger.InfoContext(ctx, "spread tracker started",
		slog.Duration("poll_interval", t.cfg.PollInterval),
		slog.Float64("open_bps", t.cfg.OpenBps),
		slog.Float64("converge_bps", t.cfg.ConvergeBps),
	)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.PollOnce(ctx); err != nil && ctx.Err() == nil {
				t.logger.WarnContext(ctx, "spread poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce processes every stored track, at most Concurrency at a time. A
// failing track is logged and skipped.
func (t *SpreadTracker) PollOnce(ctx context.Context) error {
	started := time.Now()
	tracks, err := t.store.ListTracks(ctx)
	if err != nil {
		return fmt.Errorf("spread_tracker: list tracks: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, track := range tracks {
		g.Go(func() error {
			if err := t.ProcessTrack(ctx, track); err != nil && ctx.Err() == nil {
				t.logger.WarnContext(ctx, "spread track skipped",
					slog.Int64("track_id", track.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	live := make(map[int64]struct{}, len(tracks))
	for _, track := range tracks {
		live[track.ID] = struct{}{}
	}
	t.mu.Lock()
	for id := range t.states {
		if _, ok := live[id]; !ok {
			delete(t.states, id)
		}
	}
	t.mu.Unlock()

	t.metrics.SpreadPoll(time.Since(started))
	return nil
}

// ProcessTrack fetches both prices for track and applies at most one state
// transition. A fetch error skips the tick and is returned; non-finite prices
// are dropped silently.
func (t *SpreadTracker) ProcessTrack(ctx context.Context, track domain.SpreadTrack) error {
	cexPrice, dexPrice, err := t.fetch(ctx, track)
	if err != nil {
		return err
	}
	bps, ok := spreadBps(cexPrice, dexPrice)
	if !ok {
		return nil
	}

	now := t.now()
	var (
		from, to domain.TrackStatus
		event    *domain.SpreadEvent
		userID   string
	)
	err = t.store.WithTrack(ctx, track.ID, func(ctx context.Context, tx domain.SpreadTx) error {
		tr := tx.Track()
		from, to, userID = tr.Status, tr.Status, tr.UserID

		switch tr.Status {
		case domain.TrackCooldown:
			if tr.CooldownUntil == nil || !now.After(*tr.CooldownUntil) || bps >= t.cfg.OpenBps {
				return nil
			}
			tr.Status = domain.TrackIdle
			tr.CooldownUntil = nil

		case domain.TrackIdle:
			if bps < t.cfg.OpenBps {
				return nil
			}
			e, err := t.reward(ctx, tx, tr, domain.SpreadEventOpen, "spread", t.cfg.SpreadReward, "spread_open", cexPrice, dexPrice, bps)
			if err != nil {
				return err
			}
			event = &e
			tr.Status = domain.TrackSpreadOpen
			tr.LastSpreadAt = &now

		case domain.TrackSpreadOpen:
			if bps > t.cfg.ConvergeBps {
				return nil
			}
			e, err := t.reward(ctx, tx, tr, domain.SpreadEventConverged, "convergence", t.cfg.ConvergenceReward, "spread_converged", cexPrice, dexPrice, bps)
			if err != nil {
				return err
			}
			event = &e
			until := now.Add(t.cfg.Cooldown)
			tr.Status = domain.TrackCooldown
			tr.LastConvergedAt = &now
			tr.CooldownUntil = &until

		default:
			return nil
		}
		to = tr.Status
		return tx.UpdateTrack(ctx, tr)
	})
	if errors.Is(err, domain.ErrNotFound) {
		t.mu.Lock()
		delete(t.states, track.ID)
		t.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("spread_tracker: track %d: %w", track.ID, err)
	}

	state := domain.TrackState{
		TrackID:  track.ID,
		CexPrice: cexPrice,
		DexPrice: dexPrice,
		Bps:      bps,
		Status:   to,
		PolledAt: now,
	}
	t.mu.Lock()
	t.states[track.ID] = state
	t.mu.Unlock()

	t.fx.broadcast(ctx, domain.ChannelSpread, "spread_update", statePayload(state))
	if from != to {
		t.transitioned(ctx, track, userID, from, to, event, state)
	}
	return nil
}

// reward appends the transition event, pays the USD reward and grants the
// one-time XP for it, all through tx.
func (t *SpreadTracker) reward(ctx context.Context, tx domain.SpreadTx, tr domain.SpreadTrack, kind domain.SpreadEventKind, rewardType string, amount int64, xpSource string, cexPrice, dexPrice, bps float64) (domain.SpreadEvent, error) {
	event, err := tx.InsertEvent(ctx, domain.SpreadEvent{
		TrackID:  tr.ID,
		Kind:     kind,
		CexPrice: cexPrice,
		DexPrice: dexPrice,
		Bps:      int64(math.Round(bps)),
	})
	if err != nil {
		return domain.SpreadEvent{}, err
	}
	if _, err := tx.InsertReward(ctx, domain.SpreadReward{
		TrackID: tr.ID,
		EventID: event.ID,
		UserID:  tr.UserID,
		Type:    rewardType,
		Amount:  amount,
	}); err != nil {
		return domain.SpreadEvent{}, err
	}
	if amount > 0 {
		if _, err := tx.CreditBalance(ctx, tr.UserID, amount); err != nil {
			return domain.SpreadEvent{}, err
		}
	}
	if t.cfg.TransitionXP > 0 {
		if _, _, err := tx.GrantXPOnce(ctx, tr.UserID, xpSource, strconv.FormatInt(event.ID, 10), t.cfg.TransitionXP); err != nil {
			return domain.SpreadEvent{}, err
		}
	}
	return event, nil
}

func (t *SpreadTracker) transitioned(ctx context.Context, track domain.SpreadTrack, userID string, from, to domain.TrackStatus, event *domain.SpreadEvent, state domain.TrackState) {
	t.metrics.SpreadTransition(string(from), string(to))

	payload := statePayload(state)
	payload["from"] = from
	payload["user_id"] = userID
	payload["exchange"] = track.Exchange
	payload["symbol"] = track.Symbol
	if event != nil {
		payload["event_id"] = event.ID
	}

	t.logger.InfoContext(ctx, "spread track transition",
		slog.Int64("track_id", track.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Float64("bps", state.Bps),
	)

	switch to {
	case domain.TrackSpreadOpen:
		t.fx.publish(ctx, domain.ChannelSpread, "spread_open", payload)
		t.fx.alert(ctx, notify.EventSpreadOpen,
			fmt.Sprintf("Spread open on %s %s: %.1f bps", track.Exchange, track.Symbol, state.Bps), payload)
	case domain.TrackCooldown:
		t.fx.publish(ctx, domain.ChannelSpread, "spread_converged", payload)
		t.fx.alert(ctx, notify.EventSpreadConverged,
			fmt.Sprintf("Spread converged on %s %s: %.1f bps", track.Exchange, track.Symbol, state.Bps), payload)
	case domain.TrackIdle:
		t.fx.publish(ctx, domain.ChannelSpread, "spread_idle", payload)
	}
}

// fetch quotes both legs concurrently. The first error cancels the other leg.
func (t *SpreadTracker) fetch(ctx context.Context, track domain.SpreadTrack) (float64, float64, error) {
	var cexPrice, dexPrice float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := t.cex.Price(gctx, track.Exchange, track.Symbol)
		if err != nil {
			t.metrics.SpreadFetchError("cex")
			return fmt.Errorf("cex %s %s: %w", track.Exchange, track.Symbol, err)
		}
		cexPrice = p
		return nil
	})
	g.Go(func() error {
		p, err := t.dex.PairPrice(gctx, track.Chain, track.DexPair)
		if err != nil {
			t.metrics.SpreadFetchError("dex")
			return fmt.Errorf("dex %s/%s: %w", track.Chain, track.DexPair, err)
		}
		dexPrice = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, 0, fmt.Errorf("spread_tracker: track %d: %w", track.ID, err)
	}
	return cexPrice, dexPrice, nil
}

// spreadBps returns |c-d| / ((c+d)/2) * 10000. ok is false unless both prices
// are finite and positive.
func spreadBps(cexPrice, dexPrice float64) (float64, bool) {
	for _, p := range []float64{cexPrice, dexPrice} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return 0, false
		}
	}
	c := decimal.NewFromFloat(cexPrice)
	d := decimal.NewFromFloat(dexPrice)
	mid := c.Add(d).Div(decimal.NewFromInt(2))
	return c.Sub(d).Abs().Div(mid).Mul(decimal.NewFromInt(10000)).InexactFloat64(), true
}

func statePayload(s domain.TrackState) map[string]any {
	return map[string]any{
		"track_id":  s.TrackID,
		"cex_price": s.CexPrice,
		"dex_price": s.DexPrice,
		"bps":       s.Bps,
		"status":    s.Status,
	}
}
