package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the engine's runtime summary.
type StatusHandler struct {
	Mode      string
	Platforms []string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler for the given mode and registered
// platforms.
func NewStatusHandler(mode string, platforms []string) *StatusHandler {
	return &StatusHandler{Mode: mode, Platforms: platforms, StartedAt: time.Now().UTC()}
}

// GetStatus responds with the current mode, platforms and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"platforms":      h.Platforms,
		"started_at":     h.StartedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
