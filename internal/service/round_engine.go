package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/metrics"
	"github.com/alanyoungcy/pricearena/internal/notify"
)

const tickLockKey = "round:tick"

// RoundConfig holds the betting cycle timings and economics.
type RoundConfig struct {
	Length       time.Duration
	BetWindow    time.Duration
	Pause        time.Duration
	TickInterval time.Duration
	FeeRate      float64
	// WinXP is granted once per winning bet.
	WinXP int64
}

// RoundDeps are the optional collaborators of a RoundEngine. Nil fields are
// skipped.
type RoundDeps struct {
	Ticks    domain.PriceTickStore
	Lock     domain.LockManager
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier Notifier
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// RoundEngine drives the OPEN -> LOCKED -> SETTLING -> CLOSED cycle.
type RoundEngine struct {
	rounds  domain.RoundStore
	price   PriceSource
	ticks   domain.PriceTickStore
	lock    domain.LockManager
	metrics *metrics.Collector
	fx      sideEffects
	cfg     RoundConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewRoundEngine creates a RoundEngine.
func NewRoundEngine(rounds domain.RoundStore, price PriceSource, cfg RoundConfig, deps RoundDeps, logger *slog.Logger) *RoundEngine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger = logger.With(slog.String("component", "round_engine"))
	return &RoundEngine{
		rounds:  rounds,
		price:   price,
		ticks:   deps.Ticks,
		lock:    deps.Lock,
		metrics: deps.Metrics,
		fx: sideEffects{
			bus:      deps.Bus,
			audit:    deps.Audit,
			notifier: deps.Notifier,
			logger:   logger,
			now:      now,
		},
		cfg:    cfg,
		now:    now,
		logger: logger,
	}
}

// Run ticks every TickInterval until ctx is cancelled.
func (e *RoundEngine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "round engine started",
		slog.Duration("length", e.cfg.Length),
		slog.Duration("bet_window", e.cfg.BetWindow),
	)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.WarnContext(ctx, "round tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick advances the current round. It opens a round when none is active and
// a price is known, locks betting once the bet window has passed and settles
// the round once it has ended.
func (e *RoundEngine) Tick(ctx context.Context) error {
	if e.lock != nil {
		unlock, err := e.lock.Acquire(ctx, tickLockKey, max(5*e.cfg.TickInterval, 5*time.Second))
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("round_engine: tick lock: %w", err)
		}
		defer unlock()
	}

	now := e.now()
	var (
		opened, locked *domain.Round
		settleID       int64
	)
	err := e.rounds.WithLatest(ctx, func(ctx context.Context, tx domain.RoundTx) error {
		r := tx.Round()
		if r == nil || r.State == domain.RoundClosed {
			price, ok := e.price.LastPrice()
			if !ok {
				return nil
			}
			if r != nil && now.Before(r.EndsAt.Add(e.cfg.Pause)) {
				return nil
			}
			created, err := tx.InsertRound(ctx, e.newRound(now, price))
			if err != nil {
				return err
			}
			opened = &created
			return nil
		}

		if r.State == domain.RoundOpen && !now.Before(r.LockAt(e.cfg.BetWindow)) {
			r.State = domain.RoundLocked
			if err := tx.UpdateRound(ctx, *r); err != nil {
				return err
			}
			locked = r
		}
		if !now.Before(r.EndsAt) {
			settleID = r.ID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("round_engine: tick: %w", err)
	}

	if opened != nil {
		e.logger.InfoContext(ctx, "round opened",
			slog.Int64("round_id", opened.ID),
			slog.Float64("start_price", opened.StartPrice),
			slog.Time("ends_at", opened.EndsAt),
		)
		e.fx.publish(ctx, domain.ChannelRound, "round_opened", roundPayload(*opened))
	}
	if locked != nil {
		e.logger.InfoContext(ctx, "round locked", slog.Int64("round_id", locked.ID))
		e.fx.publish(ctx, domain.ChannelRound, "round_locked", roundPayload(*locked))
	}
	if settleID != 0 {
		if _, err := e.Settle(ctx, settleID); err != nil && !errors.Is(err, domain.ErrNoPrice) {
			return err
		}
	}
	return nil
}

func (e *RoundEngine) newRound(now time.Time, price float64) domain.Round {
	return domain.Round{
		State:      domain.RoundOpen,
		StartsAt:   now,
		EndsAt:     now.Add(e.cfg.Length),
		StartPrice: price,
	}
}

// PlaceBet debits amount from the user and records the bet on the open round
// in one transaction. A bet arriving outside the betting window is rejected
// with ErrBettingClosed and reported as an anomaly.
func (e *RoundEngine) PlaceBet(ctx context.Context, userID string, side domain.Side, amount int64) (domain.Bet, error) {
	bet, err := e.placeBet(ctx, userID, side, amount)
	if err != nil {
		e.metrics.BetRejected(domain.ErrorCode(err))
		if errors.Is(err, domain.ErrBettingClosed) {
			e.metrics.Anomaly("bet_outside_window")
			e.fx.anomaly(ctx, "bet_outside_window", err, map[string]any{
				"user_id": userID,
				"side":    string(side),
				"amount":  amount,
			})
		}
		return domain.Bet{}, err
	}
	e.metrics.BetPlaced(bet.Amount)
	e.logger.InfoContext(ctx, "bet placed",
		slog.Int64("bet_id", bet.ID),
		slog.Int64("round_id", bet.RoundID),
		slog.String("user_id", bet.UserID),
		slog.String("side", string(bet.Side)),
		slog.Int64("amount", bet.Amount),
	)
	e.fx.publish(ctx, domain.ChannelRound, "bet_placed", map[string]any{
		"round_id": bet.RoundID,
		"side":     bet.Side,
		"amount":   bet.Amount,
	})
	return bet, nil
}

func (e *RoundEngine) placeBet(ctx context.Context, userID string, side domain.Side, amount int64) (domain.Bet, error) {
	if amount <= 0 {
		return domain.Bet{}, domain.ErrInvalidAmount
	}
	if !side.Valid() {
		return domain.Bet{}, domain.ErrInvalidSide
	}
	now := e.now()

	var bet domain.Bet
	err := e.rounds.WithLatest(ctx, func(ctx context.Context, tx domain.RoundTx) error {
		r := tx.Round()
		if r == nil || r.State != domain.RoundOpen || !now.Before(r.LockAt(e.cfg.BetWindow)) {
			return domain.ErrBettingClosed
		}
		if _, err := tx.CreditBalance(ctx, userID, -amount); err != nil {
			return err
		}
		var err error
		bet, err = tx.InsertBet(ctx, domain.Bet{
			UserID:  userID,
			RoundID: r.ID,
			Side:    side,
			Amount:  amount,
		})
		return err
	})
	if err != nil {
		return domain.Bet{}, fmt.Errorf("round_engine: place bet: %w", err)
	}
	return bet, nil
}

// Settle closes round id exactly once: it picks the winner from the current
// price, pays every winning bet and marks the round CLOSED in a single
// transaction. Settling a round that is no longer active returns
// ErrAlreadySettled and is reported as an anomaly.
func (e *RoundEngine) Settle(ctx context.Context, id int64) (Settlement, error) {
	started := time.Now()
	var (
		result Settlement
		closed domain.Round
	)
	err := e.rounds.WithRound(ctx, id, func(ctx context.Context, tx domain.RoundTx) error {
		r := tx.Round()
		if !r.State.Active() {
			return domain.ErrAlreadySettled
		}
		end, ok := e.price.LastPrice()
		if !ok {
			return domain.ErrNoPrice
		}

		r.State = domain.RoundSettling
		if err := tx.UpdateRound(ctx, *r); err != nil {
			return err
		}

		bets, err := tx.Bets(ctx)
		if err != nil {
			return err
		}
		result = ComputeSettlement(r.StartPrice, end, bets, e.cfg.FeeRate)

		for _, line := range result.Payouts {
			if _, err := tx.InsertPayout(ctx, domain.Payout{
				UserID:  line.Bet.UserID,
				RoundID: r.ID,
				BetID:   line.Bet.ID,
				Amount:  line.Amount,
			}); err != nil {
				return err
			}
			if line.Amount > 0 {
				if _, err := tx.CreditBalance(ctx, line.Bet.UserID, line.Amount); err != nil {
					return err
				}
			}
			if e.cfg.WinXP > 0 {
				if _, _, err := tx.GrantXPOnce(ctx, line.Bet.UserID, "round_win", strconv.FormatInt(line.Bet.ID, 10), e.cfg.WinXP); err != nil {
					return err
				}
			}
		}

		winner := result.Winner
		r.State = domain.RoundClosed
		r.EndPrice = &end
		r.WinnerSide = &winner
		r.Fee = result.Fee
		r.Distributable = result.Distributable
		if err := tx.UpdateRound(ctx, *r); err != nil {
			return err
		}
		closed = *r
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadySettled):
			e.metrics.Anomaly("double_settle")
			e.fx.anomaly(ctx, "double_settle", err, map[string]any{"round_id": id})
		case errors.Is(err, domain.ErrNoPrice):
			e.logger.WarnContext(ctx, "settlement deferred, no price", slog.Int64("round_id", id))
		}
		return Settlement{}, fmt.Errorf("round_engine: settle round %d: %w", id, err)
	}

	took := time.Since(started)
	e.metrics.RoundSettled(string(result.Winner), took)
	e.logger.InfoContext(ctx, "round settled",
		slog.Int64("round_id", id),
		slog.String("winner", string(result.Winner)),
		slog.Float64("start_price", closed.StartPrice),
		slog.Float64("end_price", *closed.EndPrice),
		slog.Int64("bank", result.Bank),
		slog.Int64("fee", result.Fee),
		slog.Int64("distributable", result.Distributable),
		slog.Int("payouts", len(result.Payouts)),
		slog.Int64("remainder", result.Remainder),
		slog.Duration("took", took),
	)

	payload := roundPayload(closed)
	payload["bank"] = result.Bank
	payload["payouts"] = len(result.Payouts)
	e.fx.publish(ctx, domain.ChannelRound, "round_settled", payload)
	e.fx.record(ctx, "round_settled", payload)
	e.fx.alert(ctx, notify.EventRoundSettled, fmt.Sprintf("Round %d settled", id), payload)
	return result, nil
}

// Bootstrap recovers from a crash. A round that is still active after its
// end time is force-closed, its stakes are refunded, and a fresh round is
// opened when a price is available. With no rounds at all the first one is
// opened.
func (e *RoundEngine) Bootstrap(ctx context.Context) error {
	now := e.now()
	var (
		recovered *domain.Round
		refunded  int64
		opened    *domain.Round
	)
	err := e.rounds.WithLatest(ctx, func(ctx context.Context, tx domain.RoundTx) error {
		r := tx.Round()
		if r != nil && r.State.Active() && r.EndsAt.Before(now) {
			bets, err := tx.Bets(ctx)
			if err != nil {
				return err
			}
			for _, b := range bets {
				if _, err := tx.CreditBalance(ctx, b.UserID, b.Amount); err != nil {
					return err
				}
				refunded += b.Amount
			}
			r.State = domain.RoundClosed
			if err := tx.UpdateRound(ctx, *r); err != nil {
				return err
			}
			recovered = r
		} else if r != nil {
			return nil
		}

		price, ok := e.price.LastPrice()
		if !ok {
			return nil
		}
		created, err := tx.InsertRound(ctx, e.newRound(now, price))
		if err != nil {
			return err
		}
		opened = &created
		return nil
	})
	if err != nil {
		return fmt.Errorf("round_engine: bootstrap: %w", err)
	}

	if recovered != nil {
		e.metrics.RoundRecovered()
		detail := map[string]any{
			"round_id": recovered.ID,
			"state":    "CLOSED",
			"ends_at":  recovered.EndsAt.Format(time.RFC3339),
			"refunded": refunded,
		}
		e.logger.WarnContext(ctx, "recovered stuck round",
			slog.Int64("round_id", recovered.ID),
			slog.Time("ends_at", recovered.EndsAt),
			slog.Int64("refunded", refunded),
		)
		e.fx.record(ctx, "round_recovered", detail)
		e.fx.publish(ctx, domain.ChannelRound, "round_recovered", detail)
		e.fx.alert(ctx, notify.EventRoundRecovered, fmt.Sprintf("Recovered stuck round %d", recovered.ID), detail)
	}
	if opened != nil {
		e.logger.InfoContext(ctx, "round opened", slog.Int64("round_id", opened.ID))
		e.fx.publish(ctx, domain.ChannelRound, "round_opened", roundPayload(*opened))
	}
	return nil
}

// State returns the read-only view of the latest round. Without any round the
// snapshot has a zero ID. The price falls back to the last recorded tick when
// the feed has no sample yet.
func (e *RoundEngine) State(ctx context.Context) (domain.RoundSnapshot, error) {
	var snap domain.RoundSnapshot
	if p, ok := e.price.LastPrice(); ok {
		snap.LastPrice = &p
	} else if e.ticks != nil {
		if t, err := e.ticks.Latest(ctx); err == nil {
			snap.LastPrice = &t.Price
		} else if !errors.Is(err, domain.ErrNotFound) {
			return snap, fmt.Errorf("round_engine: latest tick: %w", err)
		}
	}

	r, err := e.rounds.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("round_engine: latest round: %w", err)
	}
	bank, err := e.rounds.Bank(ctx, r.ID)
	if err != nil {
		return snap, fmt.Errorf("round_engine: bank: %w", err)
	}

	snap.ID = r.ID
	snap.Phase = r.State
	snap.Bank = bank
	snap.EndsAt = r.EndsAt
	if r.State != domain.RoundClosed {
		left := r.EndsAt.Sub(e.now()).Seconds()
		snap.SecsLeft = int64(math.Max(0, math.Ceil(left)))
	}
	return snap, nil
}

func roundPayload(r domain.Round) map[string]any {
	p := map[string]any{
		"round_id":    r.ID,
		"state":       r.State,
		"starts_at":   r.StartsAt.UnixMilli(),
		"ends_at":     r.EndsAt.UnixMilli(),
		"start_price": r.StartPrice,
	}
	if r.EndPrice != nil {
		p["end_price"] = *r.EndPrice
	}
	if r.WinnerSide != nil {
		p["winner"] = *r.WinnerSide
	}
	if r.State == domain.RoundClosed {
		p["fee"] = r.Fee
		p["distributable"] = r.Distributable
	}
	return p
}
