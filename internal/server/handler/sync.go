package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// SyncHandler serves manual sync triggers and the sync audit trail.
type SyncHandler struct {
	conns  ConnectionService
	logger *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(conns ConnectionService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{conns: conns, logger: logHandler(logger, "sync")}
}

// Trigger runs a manual sync and waits for it. An attempt that ran but
// failed still answers 200 with its sealed log.
// POST /api/connections/{id}/sync
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	log, err := h.conns.TriggerSync(r.Context(), id)
	if err != nil && log.ID == uuid.Nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: manual sync failed",
			slog.String("connection_id", id.String()),
			slog.String("attempt", log.AttemptID),
		)
	}
	writeJSON(w, http.StatusOK, toSyncLogView(log))
}

// Status returns the connection's sync summary.
// GET /api/connections/{id}/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.conns.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	resp := map[string]any{
		"connection":  toConnectionView(st.Connection),
		"trade_count": st.TradeCount,
	}
	if st.LastLog != nil {
		resp["last_log"] = toSyncLogView(*st.LastLog)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logs returns the connection's latest sync logs.
// GET /api/connections/{id}/logs?limit=20
func (h *SyncHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := h.conns.Logs(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": toSyncLogViews(logs)})
}

// Failed returns failed attempts across all connections.
// GET /api/sync/failed?limit=50&offset=0
func (h *SyncHandler) Failed(w http.ResponseWriter, r *http.Request) {
	logs, err := h.conns.FailedLogs(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": toSyncLogViews(logs)})
}
