package domain

import "time"

// RoundState is the lifecycle phase of a betting round.
type RoundState string

const (
	RoundOpen     RoundState = "OPEN"
	RoundLocked   RoundState = "LOCKED"
	RoundSettling RoundState = "SETTLING"
	RoundClosed   RoundState = "CLOSED"
)

// Active reports whether a round in this state still needs settling.
func (s RoundState) Active() bool {
	return s == RoundOpen || s == RoundLocked
}

// Side is the direction a bet predicts.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the two bettable sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Round is one betting cycle tied to a price movement window.
type Round struct {
	ID            int64
	State         RoundState
	StartsAt      time.Time
	EndsAt        time.Time
	StartPrice    float64
	EndPrice      *float64
	WinnerSide    *Side
	Fee           int64
	Distributable int64
	CreatedAt     time.Time
}

// LockAt returns the moment betting closes for a round whose bet window is
// betWindow long.
func (r Round) LockAt(betWindow time.Duration) time.Time {
	return r.StartsAt.Add(betWindow)
}

// Bet is a single wager. Amounts are minor currency units.
type Bet struct {
	ID        int64
	UserID    string
	RoundID   int64
	Side      Side
	Amount    int64
	CreatedAt time.Time
}

// Payout is the credit paid to one winning bet.
type Payout struct {
	ID        int64
	UserID    string
	RoundID   int64
	BetID     int64
	Amount    int64
	CreatedAt time.Time
}

// RoundSnapshot is the read-only view of the current round served to the
// HTTP and bot layers.
type RoundSnapshot struct {
	ID        int64
	Phase     RoundState
	SecsLeft  int64
	Bank      int64
	LastPrice *float64
	EndsAt    time.Time
}

// RoundSummary is the archived form of a closed round.
type RoundSummary struct {
	Round   Round
	Bets    int
	Bank    int64
	Paid    int64
	Winners int
}
