package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// EventPrefix restricts audit listings to events starting with it.
	EventPrefix string
}

// Ledger is the only code path allowed to mutate balances and experience.
// Every method is applied atomically by the implementation.
type Ledger interface {
	// CreditBalance adds delta (which may be negative) to the user's balance
	// and returns the new balance.
	CreditBalance(ctx context.Context, userID string, delta int64) (int64, error)
	// GrantXP adds delta XP and recomputes the level in the same step.
	GrantXP(ctx context.Context, userID string, delta int64) (XPResult, error)
	// GrantXPOnce grants amount XP at most once per (source, sourceID). The
	// bool reports whether this call performed the grant.
	GrantXPOnce(ctx context.Context, userID, source, sourceID string, amount int64) (XPResult, bool, error)
	// AdjustTrackLimit changes the user's spread track allowance and returns
	// the new bonus.
	AdjustTrackLimit(ctx context.Context, userID string, delta int64) (int, error)
}

// UserStore reads ledger rows.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// RoundTx is the unit of work handed to RoundStore callbacks. The round it
// exposes is held under a row lock until the callback returns; returning an
// error rolls back every write made through the RoundTx.
type RoundTx interface {
	Ledger
	// Round is the locked round, or nil when no round exists yet.
	Round() *Round
	InsertRound(ctx context.Context, r Round) (Round, error)
	UpdateRound(ctx context.Context, r Round) error
	Bets(ctx context.Context) ([]Bet, error)
	InsertBet(ctx context.Context, b Bet) (Bet, error)
	InsertPayout(ctx context.Context, p Payout) (Payout, error)
}

// RoundStore persists rounds, bets and payouts.
type RoundStore interface {
	Latest(ctx context.Context) (Round, error)
	Get(ctx context.Context, id int64) (Round, error)
	Bank(ctx context.Context, roundID int64) (int64, error)
	Payouts(ctx context.Context, roundID int64) ([]Payout, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]RoundSummary, error)
	// WithLatest runs fn holding a lock on the most recent round.
	WithLatest(ctx context.Context, fn func(ctx context.Context, tx RoundTx) error) error
	// WithRound runs fn holding a lock on round id.
	WithRound(ctx context.Context, id int64, fn func(ctx context.Context, tx RoundTx) error) error
}

// SpreadTx is the unit of work handed to SpreadStore callbacks.
type SpreadTx interface {
	Ledger
	Track() SpreadTrack
	UpdateTrack(ctx context.Context, t SpreadTrack) error
	InsertEvent(ctx context.Context, e SpreadEvent) (SpreadEvent, error)
	InsertReward(ctx context.Context, r SpreadReward) (SpreadReward, error)
}

// SpreadStore persists spread tracks and their transition log.
type SpreadStore interface {
	// CreateTrack inserts t unless the owner already has baseLimit plus
	// their bonus tracks, in which case it returns ErrTrackLimit.
	CreateTrack(ctx context.Context, t SpreadTrack, baseLimit int) (SpreadTrack, error)
	GetTrack(ctx context.Context, id int64) (SpreadTrack, error)
	ListTracks(ctx context.Context) ([]SpreadTrack, error)
	DeleteTrack(ctx context.Context, id int64) error
	WithTrack(ctx context.Context, id int64, fn func(ctx context.Context, tx SpreadTx) error) error
	ListEventsBefore(ctx context.Context, before time.Time) ([]SpreadEvent, error)
}

// PriceTickStore records sampled feed prices.
type PriceTickStore interface {
	Insert(ctx context.Context, t PriceTick) error
	Latest(ctx context.Context) (PriceTick, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
