package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// maxStatsRange bounds one stats listing.
const maxStatsRange = 366 * 24 * time.Hour

// StatsService lists daily stats and builds connection dashboards.
type StatsService interface {
	List(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]domain.DailyStat, error)
	DashboardByID(ctx context.Context, connectionID uuid.UUID) (service.Dashboard, error)
}

// StatsHandler serves daily P&L stats and the recent sync event feed.
type StatsHandler struct {
	stats  StatsService
	events domain.EventReader
	now    func() time.Time
	logger *slog.Logger
}

// NewStatsHandler creates a StatsHandler. events may be nil when no event
// stream is configured.
func NewStatsHandler(stats StatsService, events domain.EventReader, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, events: events, now: time.Now, logger: logHandler(logger, "stats")}
}

// Daily lists a connection's stats between from and to inclusive. The range
// defaults to the last 30 days.
// GET /api/connections/{id}/stats?from=2025-01-01&to=2025-01-31
func (h *StatsHandler) Daily(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	today := time.Date(h.now().Year(), h.now().Month(), h.now().Day(), 0, 0, 0, 0, time.UTC)
	to, err := queryDate(r, "to", today)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := queryDate(r, "from", to.AddDate(0, 0, -29))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to.Sub(from) > maxStatsRange {
		writeError(w, http.StatusBadRequest, "range must not exceed 366 days")
		return
	}

	stats, err := h.stats.List(r.Context(), id, from, to)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	out := make([]dailyStatView, 0, len(stats))
	for _, s := range stats {
		out = append(out, dailyStatView{
			Date:          s.Date.Format(domain.DateLayout),
			TotalPnL:      s.TotalPnL,
			TradeCount:    s.TradeCount,
			WinningTrades: s.WinningTrades,
			LosingTrades:  s.LosingTrades,
			Volume:        s.Volume,
			UpdatedAt:     s.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":  from.Format(domain.DateLayout),
		"to":    to.Format(domain.DateLayout),
		"stats": out,
	})
}

// Dashboard returns the connection overview computed from its stored trades.
// GET /api/connections/{id}/dashboard
func (h *StatsHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := h.stats.DashboardByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardView(d))
}

// RecentEvents returns the latest sync_completed events, newest first.
// GET /api/events/recent?count=50
func (h *StatsHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	count := 50
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, 500)
	}
	msgs, err := h.events.Recent(r.Context(), domain.ChannelSyncCompleted, count)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	events := make([]rawEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, rawEvent{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// rawEvent embeds the published JSON unchanged.
type rawEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}
