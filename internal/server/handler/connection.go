package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// ConnectionService defines the methods that the connection and sync
// handlers require from the service layer.
type ConnectionService interface {
	Create(ctx context.Context, in service.CreateConnectionInput) (domain.BrokerConnection, error)
	Get(ctx context.Context, id uuid.UUID) (domain.BrokerConnection, error)
	List(ctx context.Context, userID uuid.UUID) ([]domain.BrokerConnection, error)
	UpdateCredentials(ctx context.Context, id uuid.UUID, creds domain.Credentials) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Activate(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (service.SyncState, error)
	Logs(ctx context.Context, id uuid.UUID, limit int) ([]domain.SyncLog, error)
	FailedLogs(ctx context.Context, opts domain.ListOpts) ([]domain.SyncLog, error)
	Trades(ctx context.Context, id uuid.UUID, opts domain.ListOpts) ([]domain.BrokerTrade, error)
	GenerateEAToken(ctx context.Context, id uuid.UUID) (string, error)
	TriggerSync(ctx context.Context, id uuid.UUID) (domain.SyncLog, error)
}

// ConnectionHandler serves connection CRUD endpoints.
type ConnectionHandler struct {
	conns  ConnectionService
	logger *slog.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(conns ConnectionService, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{conns: conns, logger: logHandler(logger, "connections")}
}

type createConnectionRequest struct {
	UserID            uuid.UUID          `json:"user_id"`
	Provider          domain.Provider    `json:"provider"`
	Platform          domain.Platform    `json:"platform"`
	AccountIdentifier string             `json:"account_identifier"`
	Credentials       domain.Credentials `json:"credentials"`
	Timezone          string             `json:"timezone"`
	Metadata          map[string]any     `json:"metadata"`
}

// Create links a broker account.
// POST /api/connections
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := h.conns.Create(r.Context(), service.CreateConnectionInput{
		UserID:            req.UserID,
		Provider:          req.Provider,
		Platform:          req.Platform,
		AccountIdentifier: req.AccountIdentifier,
		Credentials:       req.Credentials,
		Timezone:          req.Timezone,
		Metadata:          req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConnectionView(conn))
}

// List returns a user's connections.
// GET /api/connections?user_id=...
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	conns, err := h.conns.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

// Get returns one connection.
// GET /api/connections/{id}
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	conn, err := h.conns.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectionView(conn))
}

// UpdateCredentials replaces the stored credentials.
// PUT /api/connections/{id}/credentials
func (h *ConnectionHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Credentials domain.Credentials `json:"credentials"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.conns.UpdateCredentials(r.Context(), id, req.Credentials); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate stops scheduling a connection.
// POST /api/connections/{id}/deactivate
func (h *ConnectionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.conns.Deactivate)
}

// Activate resumes scheduling a connection.
// POST /api/connections/{id}/activate
func (h *ConnectionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.conns.Activate)
}

// Delete removes a connection with its trades, stats and logs.
// DELETE /api/connections/{id}
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.conns.Delete)
}

func (h *ConnectionHandler) simple(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trades lists a connection's trades, newest first.
// GET /api/connections/{id}/trades?limit=50&offset=0
func (h *ConnectionHandler) Trades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	trades, err := h.conns.Trades(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

// EAToken issues a new expert-advisor push token. The previous token stops
// working.
// POST /api/connections/{id}/ea-token
func (h *ConnectionHandler) EAToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	token, err := h.conns.GenerateEAToken(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
