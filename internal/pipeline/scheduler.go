package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// Runner executes one sync attempt for a connection.
type Runner interface {
	Sync(ctx context.Context, connID uuid.UUID, trigger domain.SyncTrigger) (domain.SyncLog, error)
}

// SchedulerConfig tunes how due connections are polled and fanned out.
type SchedulerConfig struct {
	// Workers caps attempts in flight across all platforms.
	Workers int
	// PollInterval is how often each platform is checked for due
	// connections. A connection's own cadence comes from next_sync_at.
	PollInterval time.Duration
	// BatchSize caps connections taken per platform per poll.
	BatchSize int
	// Concurrency caps attempts in flight per platform.
	Concurrency map[domain.Platform]int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Scheduler polls each live platform for due connections and runs their
// attempts on a bounded worker pool.
type Scheduler struct {
	conns     domain.ConnectionStore
	runner    Runner
	platforms []domain.Platform
	cfg       SchedulerConfig
	sems      map[domain.Platform]*semaphore.Weighted
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewScheduler creates a Scheduler for platforms. Non-live platforms are
// ignored.
func NewScheduler(conns domain.ConnectionStore, runner Runner, platforms []domain.Platform, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		conns:    conns,
		runner:   runner,
		cfg:      cfg,
		sems:     make(map[domain.Platform]*semaphore.Weighted),
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
		inflight: make(map[uuid.UUID]struct{}),
	}
	for _, p := range platforms {
		if !p.Live() {
			continue
		}
		n := cfg.Concurrency[p]
		if n <= 0 || n > cfg.Workers {
			n = cfg.Workers
		}
		s.platforms = append(s.platforms, p)
		s.sems[p] = semaphore.NewWeighted(int64(n))
	}
	return s
}

// Run polls until ctx is cancelled, then waits for in-flight attempts.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler: starting",
		slog.Int("platforms", len(s.platforms)),
		slog.Int("workers", s.cfg.Workers),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)

	pool := new(errgroup.Group)
	pool.SetLimit(s.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.platforms {
		g.Go(func() error {
			err := s.loop(gctx, pool, p)
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("scheduler: %s: %w", p, err)
		})
	}

	err := g.Wait()
	_ = pool.Wait()
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.InfoContext(ctx, "scheduler: stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, pool *errgroup.Group, p domain.Platform) error {
	s.Poll(ctx, pool, p)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll(ctx, pool, p)
		}
	}
}

// Poll dispatches every due connection on p and returns how many were
// started. Dispatch blocks while the platform's cap is reached.
func (s *Scheduler) Poll(ctx context.Context, pool *errgroup.Group, p domain.Platform) int {
	due, err := s.conns.ListDue(ctx, p, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduler: list due failed",
				slog.String("platform", string(p)),
				slog.String("error", err.Error()),
			)
		}
		return 0
	}

	sem := s.sems[p]
	started := 0
	for _, conn := range due {
		if !s.claim(conn.ID) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			s.unclaim(conn.ID)
			break
		}
		started++
		pool.Go(func() error {
			defer sem.Release(1)
			defer s.unclaim(conn.ID)
			s.dispatch(ctx, conn)
			return nil
		})
	}
	if started > 0 {
		s.logger.DebugContext(ctx, "scheduler: dispatched",
			slog.String("platform", string(p)),
			slog.Int("due", len(due)),
			slog.Int("started", started),
		)
	}
	return started
}

func (s *Scheduler) dispatch(ctx context.Context, conn domain.BrokerConnection) {
	_, err := s.runner.Sync(ctx, conn.ID, domain.TriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrConnectionInactive):
		// Another instance or a manual trigger got there first.
		s.logger.DebugContext(ctx, "scheduler: skipped",
			slog.String("connection_id", conn.ID.String()),
			slog.String("reason", err.Error()),
		)
	default:
		// The syncer has already logged and recorded the failure.
	}
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
