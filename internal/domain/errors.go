package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors returned to callers of the wagering operations.
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidSide         = errors.New("invalid side")
	ErrBettingClosed       = errors.New("betting closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidDexInput     = errors.New("invalid dex input")
	ErrInvalidExchange     = errors.New("invalid exchange")
	ErrTrackLimit          = errors.New("track limit reached")

	// Invariant violations. These are rejected at the data layer and
	// logged as anomalies.
	ErrAlreadySettled    = errors.New("round already settled")
	ErrRoundActive       = errors.New("round already active")
	ErrNoPrice           = errors.New("no price sample available")
	ErrUnknownRewardKind = errors.New("unknown reward kind")
)

// ErrorCode maps a validation error to the stable code exposed to the HTTP
// and bot layers. It returns "" for errors that have no public code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidDexInput):
		return "invalid_dex_input"
	case errors.Is(err, ErrInvalidExchange):
		return "invalid_exchange"
	case errors.Is(err, ErrTrackLimit):
		return "track_limit"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return ""
}
