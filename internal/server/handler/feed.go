package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// FeedStatusSource exposes the price feed bookkeeping.
type FeedStatusSource interface {
	Status() domain.FeedStatus
}

// FeedHandler serves the price feed status.
type FeedHandler struct {
	feed FeedStatusSource
}

// NewFeedHandler creates a FeedHandler.
func NewFeedHandler(feed FeedStatusSource) *FeedHandler {
	return &FeedHandler{feed: feed}
}

type feedStatusResponse struct {
	Provider      string     `json:"provider"`
	Transport     string     `json:"transport"`
	Connected     bool       `json:"connected"`
	LastPrice     *float64   `json:"last_price"`
	LastMessageAt *time.Time `json:"last_message_at"`
	AgeMs         int64      `json:"age_ms"`
	FailoverCount int64      `json:"failover_count"`
}

// GetStatus returns the feed snapshot.
// GET /api/feed/status
func (h *FeedHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.feed.Status()
	resp := feedStatusResponse{
		Provider:      st.Provider,
		Transport:     string(st.Transport),
		Connected:     st.Connected,
		LastPrice:     st.LastPrice,
		AgeMs:         st.AgeMs,
		FailoverCount: st.FailoverCount,
	}
	if !st.LastMessageAt.IsZero() {
		at := st.LastMessageAt.UTC()
		resp.LastMessageAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}
