package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// RoundStore is the domain.RoundStore view of a Store.
type RoundStore struct{ s *Store }

// Rounds returns the round store view.
func (s *Store) Rounds() *RoundStore { return &RoundStore{s: s} }

func (st *state) round(id int64) (domain.Round, bool) {
	if id < 1 || int(id) > len(st.rounds) {
		return domain.Round{}, false
	}
	return st.rounds[id-1], true
}

// Latest implements domain.RoundStore.
func (r *RoundStore) Latest(_ context.Context) (domain.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.st.rounds) == 0 {
		return domain.Round{}, domain.ErrNotFound
	}
	return r.s.st.rounds[len(r.s.st.rounds)-1], nil
}

// Get implements domain.RoundStore.
func (r *RoundStore) Get(_ context.Context, id int64) (domain.Round, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	round, ok := r.s.st.round(id)
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return round, nil
}

// Bank implements domain.RoundStore.
func (r *RoundStore) Bank(_ context.Context, roundID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var bank int64
	for _, b := range r.s.st.bets {
		if b.RoundID == roundID {
			bank += b.Amount
		}
	}
	return bank, nil
}

// Payouts implements domain.RoundStore.
func (r *RoundStore) Payouts(_ context.Context, roundID int64) ([]domain.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Payout
	for _, p := range r.s.st.payouts {
		if p.RoundID == roundID {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListClosedBefore implements domain.RoundStore.
func (r *RoundStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.RoundSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.RoundSummary
	for _, round := range r.s.st.rounds {
		if round.State != domain.RoundClosed || !round.EndsAt.Before(before) {
			continue
		}
		sum := domain.RoundSummary{Round: round}
		for _, b := range r.s.st.bets {
			if b.RoundID == round.ID {
				sum.Bets++
				sum.Bank += b.Amount
			}
		}
		for _, p := range r.s.st.payouts {
			if p.RoundID == round.ID {
				sum.Winners++
				sum.Paid += p.Amount
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// WithLatest implements domain.RoundStore.
func (r *RoundStore) WithLatest(ctx context.Context, fn func(ctx context.Context, tx domain.RoundTx) error) error {
	return r.s.atomically(func(st *state) error {
		tx := &roundTx{ledger: r.s.ledger(st), st: st, now: r.s.now}
		if n := len(st.rounds); n > 0 {
			tx.roundID = st.rounds[n-1].ID
		}
		return fn(ctx, tx)
	})
}

// WithRound implements domain.RoundStore.
func (r *RoundStore) WithRound(ctx context.Context, id int64, fn func(ctx context.Context, tx domain.RoundTx) error) error {
	return r.s.atomically(func(st *state) error {
		if _, ok := st.round(id); !ok {
			return domain.ErrNotFound
		}
		return fn(ctx, &roundTx{ledger: r.s.ledger(st), st: st, now: r.s.now, roundID: id})
	})
}

type roundTx struct {
	*ledger
	st      *state
	now     func() time.Time
	roundID int64
}

func (t *roundTx) Round() *domain.Round {
	round, ok := t.st.round(t.roundID)
	if !ok {
		return nil
	}
	return &round
}

func (t *roundTx) InsertRound(_ context.Context, r domain.Round) (domain.Round, error) {
	for _, existing := range t.st.rounds {
		if existing.State != domain.RoundClosed {
			return domain.Round{}, fmt.Errorf("memory: insert round: %w", domain.ErrRoundActive)
		}
	}
	r.ID = int64(len(t.st.rounds)) + 1
	r.CreatedAt = t.now()
	t.st.rounds = append(t.st.rounds, r)
	t.roundID = r.ID
	return r, nil
}

func (t *roundTx) UpdateRound(_ context.Context, r domain.Round) error {
	if _, ok := t.st.round(r.ID); !ok {
		return domain.ErrNotFound
	}
	t.st.rounds[r.ID-1] = r
	return nil
}

func (t *roundTx) Bets(_ context.Context) ([]domain.Bet, error) {
	var out []domain.Bet
	for _, b := range t.st.bets {
		if b.RoundID == t.roundID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *roundTx) InsertBet(_ context.Context, b domain.Bet) (domain.Bet, error) {
	if b.Amount <= 0 {
		return domain.Bet{}, fmt.Errorf("memory: insert bet: %w", domain.ErrInvalidAmount)
	}
	if _, ok := t.st.round(b.RoundID); !ok {
		return domain.Bet{}, fmt.Errorf("memory: insert bet: round %d: %w", b.RoundID, domain.ErrNotFound)
	}
	b.ID = int64(len(t.st.bets)) + 1
	b.CreatedAt = t.now()
	t.st.bets = append(t.st.bets, b)
	return b, nil
}

func (t *roundTx) InsertPayout(_ context.Context, p domain.Payout) (domain.Payout, error) {
	for _, existing := range t.st.payouts {
		if existing.BetID == p.BetID {
			return domain.Payout{}, fmt.Errorf("memory: payout for bet %d: %w", p.BetID, domain.ErrAlreadyExists)
		}
	}
	p.ID = int64(len(t.st.payouts)) + 1
	p.CreatedAt = t.now()
	t.st.payouts = append(t.st.payouts, p)
	return p, nil
}

var (
	_ domain.RoundStore = (*RoundStore)(nil)
	_ domain.RoundTx    = (*roundTx)(nil)
)
