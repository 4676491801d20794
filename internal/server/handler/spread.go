package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// SpreadService is the part of the spread tracker the HTTP layer needs.
type SpreadService interface {
	CreateTrack(ctx context.Context, userID, exchange, symbol, dexInput string) (domain.SpreadTrack, error)
	TrackState(ctx context.Context, id int64) (domain.TrackState, error)
	DeleteTrack(ctx context.Context, id int64) error
}

// SpreadHandler serves spread track endpoints.
type SpreadHandler struct {
	spreads SpreadService
	logger  *slog.Logger
}

// NewSpreadHandler creates a SpreadHandler.
func NewSpreadHandler(spreads SpreadService, logger *slog.Logger) *SpreadHandler {
	return &SpreadHandler{spreads: spreads, logger: logHandler(logger, "spread")}
}

type createTrackRequest struct {
	UserID   string `json:"user_id" validate:"required,max=128"`
	Exchange string `json:"exchange" validate:"required"`
	Symbol   string `json:"symbol" validate:"required,alphanum,max=32"`
	DexInput string `json:"dex_input" validate:"required,max=512"`
}

// CreateTrack registers a new CEX/DEX spread track.
// POST /api/spreads
func (h *SpreadHandler) CreateTrack(w http.ResponseWriter, r *http.Request) {
	var req createTrackRequest
	if err := decodeAndValidate(r, &req, map[string]error{
		"Exchange": domain.ErrInvalidExchange,
		"DexInput": domain.ErrInvalidDexInput,
	}); err != nil {
		writeServiceError(w, r, h.logger, "create track", err)
		return
	}

	track, err := h.spreads.CreateTrack(r.Context(), req.UserID, req.Exchange, req.Symbol, req.DexInput)
	if err != nil {
		writeServiceError(w, r, h.logger, "create track", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"track_id": track.ID})
}

type trackStateResponse struct {
	TrackID  int64      `json:"track_id"`
	CexPrice *float64   `json:"cex_price"`
	DexPrice *float64   `json:"dex_price"`
	Bps      *float64   `json:"bps"`
	Status   string     `json:"status"`
	PolledAt *time.Time `json:"polled_at,omitempty"`
}

// GetTrack returns the latest polled state of a track.
// GET /api/spreads/{id}
func (h *SpreadHandler) GetTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid track id")
		return
	}
	st, err := h.spreads.TrackState(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "track state", err)
		return
	}
	resp := trackStateResponse{TrackID: st.TrackID, Status: string(st.Status)}
	if !st.PolledAt.IsZero() {
		resp.CexPrice = &st.CexPrice
		resp.DexPrice = &st.DexPrice
		resp.Bps = &st.Bps
		at := st.PolledAt.UTC()
		resp.PolledAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteTrack removes a track.
// DELETE /api/spreads/{id}
func (h *SpreadHandler) DeleteTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid track id")
		return
	}
	if err := h.spreads.DeleteTrack(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, "delete track", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "track_id": id})
}
