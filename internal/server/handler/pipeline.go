package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

const maxArchiveRuns = 100

// ArchiveHandler lets operators request an archive run outside the cron
// schedule.
type ArchiveHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{} // when non-nil, sending triggers one archive run
	audit     domain.AuditStore
}

// NewArchiveHandler creates an ArchiveHandler with the given logger.
func NewArchiveHandler(logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{logger: logHandler(logger, "archive")}
}

// WithTriggerChannel sets the channel to send on when a trigger is requested.
// The archiver must receive from this channel to run one pass.
func (h *ArchiveHandler) WithTriggerChannel(ch chan<- struct{}) *ArchiveHandler {
	h.triggerCh = ch
	return h
}

// WithAudit enables ListRuns over the audit log.
func (h *ArchiveHandler) WithAudit(audit domain.AuditStore) *ArchiveHandler {
	h.audit = audit
	return h
}

// ListRuns returns recent archive audit entries, newest first.
// GET /api/archive/runs?limit=N
func (h *ArchiveHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxArchiveRuns)
	}
	entries, err := h.audit.List(r.Context(), domain.ListOpts{Limit: limit, EventPrefix: "archive."})
	if err != nil {
		writeServiceError(w, r, h.logger, "list archive runs", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// TriggerArchive enqueues one archive run. The send is non-blocking so
// repeated requests coalesce while a run is pending.
// POST /api/archive/trigger
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusServiceUnavailable, "archiver not running")
		return
	}
	h.logger.InfoContext(r.Context(), "archive trigger requested")
	select {
	case h.triggerCh <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
