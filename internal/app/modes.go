package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/brokersync/internal/config"
	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/pipeline"
	"github.com/alanyoungcy/brokersync/internal/server"
	"github.com/alanyoungcy/brokersync/internal/server/handler"
	"github.com/alanyoungcy/brokersync/internal/server/ws"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// shutdownGrace bounds the HTTP server drain on shutdown.
const shutdownGrace = 15 * time.Second

// Engine is the sync engine shared by every mode and by one-shot CLI
// commands. Building it starts no goroutines.
type Engine struct {
	Syncer      *pipeline.Syncer
	Stats       *service.StatsService
	Connections *service.ConnectionService
	Ingest      *service.IngestService
}

// NewEngine builds the services on top of wired dependencies.
func NewEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Engine {
	stats := service.NewStatsService(deps.Store, logger)
	reconciler := service.NewReconciler(deps.Store, logger)

	syncer := pipeline.NewSyncer(deps.Store, deps.Vault, deps.Registry, reconciler, stats, syncerConfig(cfg.Sync), logger)
	if deps.SignalBus != nil {
		syncer.WithBus(deps.SignalBus)
	}
	if deps.Notifier.Enabled() {
		syncer.WithAlerter(deps.Notifier)
	}

	return &Engine{
		Syncer:      syncer,
		Stats:       stats,
		Connections: service.NewConnectionService(deps.Store, deps.Vault, logger).WithRunner(syncer),
		Ingest:      service.NewIngestService(deps.Store, syncer, deps.BlobWriter, logger),
	}
}

func syncerConfig(s config.SyncConfig) pipeline.SyncerConfig {
	platforms := make(map[domain.Platform]pipeline.PlatformPolicy, len(s.Platforms))
	for name, p := range s.Platforms {
		platforms[domain.Platform(name)] = pipeline.PlatformPolicy{
			Interval:    p.Interval.Duration,
			Concurrency: p.Concurrency,
		}
	}
	return pipeline.SyncerConfig{
		AttemptTimeout:   s.AttemptTimeout.Duration,
		LeaseTTL:         s.LeaseTTL.Duration,
		OverlapWindow:    s.OverlapWindow.Duration,
		FailureThreshold: s.FailureThreshold,
		DefaultInterval:  s.DefaultInterval.Duration,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: s.RetryMaxAttempts,
			BaseDelay:   s.RetryBaseDelay.Duration,
			MaxDelay:    s.RetryMaxDelay.Duration,
		},
		Platforms: platforms,
	}
}

// SyncMode runs the scheduler and, when enabled, the monthly archiver. No
// HTTP surface is exposed.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies, e *Engine) error {
	a.logger.InfoContext(ctx, "starting sync mode")
	orch, err := a.newOrchestrator(deps, e)
	if err != nil {
		return err
	}
	return ignoreCanceled(orch.Run(ctx))
}

// ServerMode serves the ops API only. Manual syncs, CSV imports and EA
// pushes still run through the sync engine inline.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, e *Engine) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, e)
	return ignoreCanceled(g.Wait())
}

// FullMode runs the scheduler, the archiver and the ops API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, e *Engine) error {
	a.logger.InfoContext(ctx, "starting full mode")
	orch, err := a.newOrchestrator(deps, e)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, e)
	}
	return ignoreCanceled(g.Wait())
}

func (a *App) newOrchestrator(deps *Dependencies, e *Engine) (*pipeline.Orchestrator, error) {
	var live []domain.Platform
	concurrency := make(map[domain.Platform]int)
	for _, p := range deps.Registry.Platforms() {
		if !p.Live() {
			continue
		}
		live = append(live, p)
		if pc, ok := a.cfg.Sync.Platforms[string(p)]; ok && pc.Concurrency > 0 {
			concurrency[p] = pc.Concurrency
		}
	}

	scheduler := pipeline.NewScheduler(deps.Store.Connections(), e.Syncer, live, pipeline.SchedulerConfig{
		Workers:      a.cfg.Sync.Workers,
		PollInterval: a.cfg.Sync.PollInterval.Duration,
		BatchSize:    a.cfg.Sync.BatchSize,
		Concurrency:  concurrency,
	}, a.logger)

	var archiver *pipeline.Archiver
	cron := ""
	if a.cfg.Archive.Enabled {
		if deps.Archiver == nil {
			return nil, errors.New("app: archive enabled but s3 is not configured")
		}
		if err := pipeline.ValidateCron(a.cfg.Archive.Cron); err != nil {
			return nil, fmt.Errorf("app: archive cron: %w", err)
		}
		archiver = pipeline.NewArchiver(deps.Archiver, deps.LockManager, a.logger)
		cron = a.cfg.Archive.Cron
	}
	return pipeline.NewOrchestrator(scheduler, archiver, cron, a.logger), nil
}

// startHTTPServer registers the ops API and the sync event stream and runs
// them on g until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *Engine) {
	health := handler.NewHealthHandler(a.logger)
	for name, p := range deps.Health {
		health.WithDependency(name, p)
	}

	platforms := make([]string, 0)
	for _, p := range deps.Registry.Platforms() {
		platforms = append(platforms, string(p))
	}

	handlers := server.Handlers{
		Health:      health,
		Status:      handler.NewStatusHandler(a.cfg.Mode, platforms),
		Connections: handler.NewConnectionHandler(e.Connections, a.logger),
		Sync:        handler.NewSyncHandler(e.Connections, a.logger),
		Ingest:      handler.NewIngestHandler(e.Ingest, a.cfg.Server.MaxUploadBytes, a.logger),
		Stats:       handler.NewStatsHandler(e.Stats, deps.Events, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			return ignoreCanceled(hub.Run(ctx))
		})
	} else {
		a.logger.WarnContext(ctx, "HTTP server: live sync stream disabled (no signal bus)")
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
		WriteTimeout:       a.cfg.Sync.AttemptTimeout.Duration + 30*time.Second,
	}, handlers, hub, deps.RateLimiter, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "HTTP server: api_key is empty; ops API is unauthenticated")
	}

	g.Go(func() error {
		return srv.Run(ctx, shutdownGrace)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
