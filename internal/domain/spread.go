package domain

import "time"

// TrackStatus is the state of a spread track's state machine.
type TrackStatus string

const (
	TrackIdle       TrackStatus = "idle"
	TrackSpreadOpen TrackStatus = "spread_open"
	TrackCooldown   TrackStatus = "cooldown"
)

// SpreadEventKind names the transition recorded by a SpreadEvent.
type SpreadEventKind string

const (
	SpreadEventOpen      SpreadEventKind = "spread_open"
	SpreadEventConverged SpreadEventKind = "converged"
)

// SpreadTrack monitors a CEX symbol against a DEX pair for one user.
type SpreadTrack struct {
	ID              int64
	UserID          string
	Exchange        string
	Symbol          string
	Chain           string
	DexPair         string
	Status          TrackStatus
	LastSpreadAt    *time.Time
	LastConvergedAt *time.Time
	CooldownUntil   *time.Time
	CreatedAt       time.Time
}

// SpreadEvent is an append-only record of one track transition.
type SpreadEvent struct {
	ID        int64
	TrackID   int64
	Kind      SpreadEventKind
	CexPrice  float64
	DexPrice  float64
	Bps       int64
	CreatedAt time.Time
}

// SpreadReward ties a one-time credit to the event that earned it.
type SpreadReward struct {
	ID        int64
	TrackID   int64
	EventID   int64
	UserID    string
	Type      string
	Amount    int64
	CreatedAt time.Time
}

// DexRef identifies a DEX pair. Chain is empty when the input was a bare
// pair address.
type DexRef struct {
	Chain string
	Pair  string
}

// TrackState is the latest polled view of a track.
type TrackState struct {
	TrackID  int64
	CexPrice float64
	DexPrice float64
	Bps      float64
	Status   TrackStatus
	PolledAt time.Time
}
