package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// UserHandler serves ledger reads.
type UserHandler struct {
	users  domain.UserStore
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users domain.UserStore, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logHandler(logger, "user")}
}

type userResponse struct {
	ID              string `json:"id"`
	Balance         int64  `json:"balance"`
	XP              int64  `json:"xp"`
	Level           int    `json:"level"`
	TrackLimitBonus int    `json:"track_limit_bonus"`
}

// GetUser returns a user's balance and progression.
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}
	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{
		ID:              u.ID,
		Balance:         u.Balance,
		XP:              u.XP,
		Level:           u.Level,
		TrackLimitBonus: u.TrackLimitBonus,
	})
}
