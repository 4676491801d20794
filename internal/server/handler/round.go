package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// RoundService is the part of the round engine the HTTP layer needs.
type RoundService interface {
	PlaceBet(ctx context.Context, userID string, side domain.Side, amount int64) (domain.Bet, error)
	State(ctx context.Context) (domain.RoundSnapshot, error)
}

// RoundHandler serves betting endpoints.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{rounds: rounds, logger: logHandler(logger, "round")}
}

type placeBetRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Side   string `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type betResponse struct {
	ID        int64     `json:"id"`
	RoundID   int64     `json:"round_id"`
	UserID    string    `json:"user_id"`
	Side      string    `json:"side"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// PlaceBet stakes an amount on the open round.
// POST /api/bets
func (h *RoundHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeAndValidate(r, &req, map[string]error{
		"Side":   domain.ErrInvalidSide,
		"Amount": domain.ErrInvalidAmount,
	}); err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}

	bet, err := h.rounds.PlaceBet(r.Context(), req.UserID, domain.Side(strings.ToUpper(req.Side)), req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, betResponse{
		ID:        bet.ID,
		RoundID:   bet.RoundID,
		UserID:    bet.UserID,
		Side:      string(bet.Side),
		Amount:    bet.Amount,
		CreatedAt: bet.CreatedAt,
	})
}

type roundStateResponse struct {
	ID        int64    `json:"id"`
	Phase     string   `json:"phase"`
	SecsLeft  int64    `json:"secs_left"`
	Bank      int64    `json:"bank"`
	LastPrice *float64 `json:"last_price"`
	EndsAt    *int64   `json:"ends_at,omitempty"`
}

// GetState returns the current round snapshot.
// GET /api/round
func (h *RoundHandler) GetState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rounds.State(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "round state", err)
		return
	}
	resp := roundStateResponse{
		ID:        snap.ID,
		Phase:     string(snap.Phase),
		SecsLeft:  snap.SecsLeft,
		Bank:      snap.Bank,
		LastPrice: snap.LastPrice,
	}
	if !snap.EndsAt.IsZero() {
		ms := snap.EndsAt.UnixMilli()
		resp.EndsAt = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}
