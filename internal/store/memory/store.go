// Package memory implements every domain store in process memory. It backs
// the "memory" storage driver and the service tests. A single mutex stands in
// for row locks; a unit of work that returns an error is rolled back by
// restoring a snapshot taken before it ran.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds all tables. Use the Rounds, Spreads, Ticks and Audit views for
// the narrower store interfaces; the Store itself is the Ledger.
type Store struct {
	mu       sync.Mutex
	st       *state
	policy   domain.LevelPolicy
	starting int64
	now      func() time.Time
}

// New creates an empty Store.
func New(policy domain.LevelPolicy, startingBalance int64, opts ...Option) *Store {
	s := &Store{
		st:       newState(),
		policy:   policy,
		starting: startingBalance,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type state struct {
	users    map[string]domain.User
	xpGrants map[string]struct{}
	rounds   []domain.Round
	bets     []domain.Bet
	payouts  []domain.Payout
	tracks   map[int64]domain.SpreadTrack
	events   []domain.SpreadEvent
	rewards  []domain.SpreadReward
	ticks    []domain.PriceTick
	audit    []domain.AuditEntry

	nextTrackID int64
}

func newState() *state {
	return &state{
		users:    make(map[string]domain.User),
		xpGrants: make(map[string]struct{}),
		tracks:   make(map[int64]domain.SpreadTrack),
	}
}

func (st *state) clone() *state {
	return &state{
		users:       maps.Clone(st.users),
		xpGrants:    maps.Clone(st.xpGrants),
		rounds:      slices.Clone(st.rounds),
		bets:        slices.Clone(st.bets),
		payouts:     slices.Clone(st.payouts),
		tracks:      maps.Clone(st.tracks),
		events:      slices.Clone(st.events),
		rewards:     slices.Clone(st.rewards),
		ticks:       slices.Clone(st.ticks),
		audit:       slices.Clone(st.audit),
		nextTrackID: st.nextTrackID,
	}
}

// atomically runs fn under the store lock and discards its writes when it
// fails.
func (s *Store) atomically(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(s.st); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) ledger(st *state) *ledger {
	return &ledger{st: st, policy: s.policy, starting: s.starting, now: s.now}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

type ledger struct {
	st       *state
	policy   domain.LevelPolicy
	starting int64
	now      func() time.Time
}

func (l *ledger) user(userID string) domain.User {
	u, ok := l.st.users[userID]
	if !ok {
		u = domain.User{ID: userID, Balance: l.starting, Level: 1, CreatedAt: l.now()}
		l.st.users[userID] = u
	}
	return u
}

func (l *ledger) CreditBalance(_ context.Context, userID string, delta int64) (int64, error) {
	u := l.user(userID)
	u.Balance += delta
	l.st.users[userID] = u
	if delta < 0 && u.Balance < 0 {
		return u.Balance, domain.ErrInsufficientBalance
	}
	return u.Balance, nil
}

func (l *ledger) GrantXP(ctx context.Context, userID string, delta int64) (domain.XPResult, error) {
	u := l.user(userID)
	u.XP += delta
	from := u.Level
	u.Level = l.policy.Curve.LevelFor(u.XP, from)
	l.st.users[userID] = u

	if u.Level == from {
		return domain.XPResult{XP: u.XP, Level: u.Level}, nil
	}
	if err := l.policy.ApplyLevelUps(ctx, from, u.Level, rewardApplier{ledger: l, userID: userID}); err != nil {
		return domain.XPResult{}, fmt.Errorf("memory: level up %s: %w", userID, err)
	}
	return domain.XPResult{XP: u.XP, Level: u.Level, LeveledUp: true}, nil
}

func (l *ledger) GrantXPOnce(ctx context.Context, userID, source, sourceID string, amount int64) (domain.XPResult, bool, error) {
	key := source + "\x00" + sourceID
	if _, dup := l.st.xpGrants[key]; dup {
		u := l.user(userID)
		return domain.XPResult{XP: u.XP, Level: u.Level}, false, nil
	}
	l.st.xpGrants[key] = struct{}{}
	res, err := l.GrantXP(ctx, userID, amount)
	if err != nil {
		return domain.XPResult{}, false, err
	}
	return res, true, nil
}

func (l *ledger) AdjustTrackLimit(_ context.Context, userID string, delta int64) (int, error) {
	u := l.user(userID)
	u.TrackLimitBonus = max(0, u.TrackLimitBonus+int(delta))
	l.st.users[userID] = u
	return u.TrackLimitBonus, nil
}

type rewardApplier struct {
	ledger *ledger
	userID string
}

func (a rewardApplier) ApplyUSD(ctx context.Context, amount int64) error {
	_, err := a.ledger.CreditBalance(ctx, a.userID, amount)
	return err
}

func (a rewardApplier) ApplyXP(ctx context.Context, amount int64) error {
	_, err := a.ledger.GrantXP(ctx, a.userID, amount)
	return err
}

func (a rewardApplier) ApplyLimitDelta(ctx context.Context, delta int64) error {
	_, err := a.ledger.AdjustTrackLimit(ctx, a.userID, delta)
	return err
}

// CreditBalance implements domain.Ledger.
func (s *Store) CreditBalance(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := s.atomically(func(st *state) error {
		var err error
		balance, err = s.ledger(st).CreditBalance(ctx, userID, delta)
		return err
	})
	return balance, err
}

// GrantXP implements domain.Ledger.
func (s *Store) GrantXP(ctx context.Context, userID string, delta int64) (domain.XPResult, error) {
	var res domain.XPResult
	err := s.atomically(func(st *state) error {
		var err error
		res, err = s.ledger(st).GrantXP(ctx, userID, delta)
		return err
	})
	return res, err
}

// GrantXPOnce implements domain.Ledger.
func (s *Store) GrantXPOnce(ctx context.Context, userID, source, sourceID string, amount int64) (domain.XPResult, bool, error) {
	var (
		res     domain.XPResult
		granted bool
	)
	err := s.atomically(func(st *state) error {
		var err error
		res, granted, err = s.ledger(st).GrantXPOnce(ctx, userID, source, sourceID, amount)
		return err
	})
	return res, granted, err
}

// AdjustTrackLimit implements domain.Ledger.
func (s *Store) AdjustTrackLimit(ctx context.Context, userID string, delta int64) (int, error) {
	var bonus int
	err := s.atomically(func(st *state) error {
		var err error
		bonus, err = s.ledger(st).AdjustTrackLimit(ctx, userID, delta)
		return err
	})
	return bonus, err
}

// GetUser implements domain.UserStore.
func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

var (
	_ domain.Ledger    = (*Store)(nil)
	_ domain.UserStore = (*Store)(nil)
	_ domain.Ledger    = (*ledger)(nil)
)
