// Package server exposes the internal ops HTTP API: connection management,
// manual syncs, uploads, stats and a live sync event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/server/handler"
	"github.com/alanyoungcy/brokersync/internal/server/middleware"
	"github.com/alanyoungcy/brokersync/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimitPerMinute is applied per client IP when a limiter is wired.
	RateLimitPerMinute int
	// WriteTimeout must cover a manual sync, which runs inline.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Connections *handler.ConnectionHandler
	Sync        *handler.SyncHandler
	Ingest      *handler.IngestHandler
	Stats       *handler.StatsHandler
}

// publicPaths skip API-key auth. EA pushes carry their own token.
var publicPaths = []string{"/api/health", "/api/ea/push"}

// Server is the ops HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, rate limit, auth) and attaches the
// WebSocket hub when one is given.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if h := handlers.Status; h != nil {
		mux.HandleFunc("GET /api/status", h.GetStatus)
	}

	if h := handlers.Connections; h != nil {
		mux.HandleFunc("GET /api/connections", h.List)
		mux.HandleFunc("POST /api/connections", h.Create)
		mux.HandleFunc("GET /api/connections/{id}", h.Get)
		mux.HandleFunc("DELETE /api/connections/{id}", h.Delete)
		mux.HandleFunc("PUT /api/connections/{id}/credentials", h.UpdateCredentials)
		mux.HandleFunc("POST /api/connections/{id}/activate", h.Activate)
		mux.HandleFunc("POST /api/connections/{id}/deactivate", h.Deactivate)
		mux.HandleFunc("POST /api/connections/{id}/ea-token", h.EAToken)
		mux.HandleFunc("GET /api/connections/{id}/trades", h.Trades)
	}

	if h := handlers.Sync; h != nil {
		mux.HandleFunc("POST /api/connections/{id}/sync", h.Trigger)
		mux.HandleFunc("GET /api/connections/{id}/status", h.Status)
		mux.HandleFunc("GET /api/connections/{id}/logs", h.Logs)
		mux.HandleFunc("GET /api/sync/failed", h.Failed)
	}

	if h := handlers.Ingest; h != nil {
		mux.HandleFunc("POST /api/connections/{id}/import", h.ImportCSV)
		mux.HandleFunc("POST /api/ea/push", h.PushEA)
	}

	if h := handlers.Stats; h != nil {
		mux.HandleFunc("GET /api/connections/{id}/stats", h.Daily)
		mux.HandleFunc("GET /api/connections/{id}/dashboard", h.Dashboard)
		mux.HandleFunc("GET /api/events/recent", h.RecentEvents)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws/sync", hub.HandleWS)
	}

	// Outermost first: CORS, logging, rate limit, auth.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := s.Shutdown(shutCtx); err != nil {
		return err
	}
	return <-errCh
}
