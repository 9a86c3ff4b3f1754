package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/id"
	"github.com/alanyoungcy/brokersync/internal/provider"
	"github.com/alanyoungcy/brokersync/internal/service"
)

// Error text limits for the connection summary and the audit log.
const (
	maxConnectionError = 500
	maxLogError        = 1000
)

// finalizeTimeout bounds the seal after an attempt, which runs even when the
// attempt's own context has expired.
const finalizeTimeout = 15 * time.Second

// EventConnectionError is the notification event for a connection entering
// the error state.
const EventConnectionError = "connection_error"

// CredentialOpener scopes decrypted credentials to one callback.
type CredentialOpener interface {
	With(ctx context.Context, blob string, fn func(domain.Credentials) error) error
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// PlatformPolicy is the per-platform scheduling policy. Request budgets
// are enforced per request by the provider adapters.
type PlatformPolicy struct {
	Interval    time.Duration
	Concurrency int
}

// SyncerConfig tunes sync attempts.
type SyncerConfig struct {
	AttemptTimeout   time.Duration
	LeaseTTL         time.Duration
	OverlapWindow    time.Duration
	FailureThreshold int
	DefaultInterval  time.Duration
	Retry            RetryPolicy
	Platforms        map[domain.Platform]PlatformPolicy
}

func (c SyncerConfig) withDefaults() SyncerConfig {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Minute
	}
	if c.LeaseTTL <= c.AttemptTimeout {
		c.LeaseTTL = c.AttemptTimeout + time.Minute
	}
	if c.OverlapWindow < 0 {
		c.OverlapWindow = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 15 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = 60 * time.Second
	}
	return c
}

func (c SyncerConfig) interval(p domain.Platform) time.Duration {
	if pp, ok := c.Platforms[p]; ok && pp.Interval > 0 {
		return pp.Interval
	}
	return c.DefaultInterval
}

// fetchFunc produces the trades for one attempt.
type fetchFunc func(ctx context.Context, conn domain.BrokerConnection) ([]domain.RawTrade, error)

// Syncer runs one sync attempt per call: lease, audit log, fetch,
// reconcile, aggregate, seal.
type Syncer struct {
	store      domain.Store
	vault      CredentialOpener
	registry   *provider.Registry
	reconciler *service.Reconciler
	stats      *service.StatsService
	bus        domain.SignalBus
	alerter    Alerter
	cfg        SyncerConfig
	logger     *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewSyncer creates a Syncer. bus and alerter are optional and are
// attached with the With* methods.
func NewSyncer(
	store domain.Store,
	vault CredentialOpener,
	registry *provider.Registry,
	reconciler *service.Reconciler,
	stats *service.StatsService,
	cfg SyncerConfig,
	logger *slog.Logger,
) *Syncer {
	return &Syncer{
		store:      store,
		vault:      vault,
		registry:   registry,
		reconciler: reconciler,
		stats:      stats,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "syncer")),
		now:        time.Now,
		sleep:      sleepCtx,
		jitter:     rand.Float64,
	}
}

// WithBus publishes a SyncEvent after every sealed attempt.
func (s *Syncer) WithBus(bus domain.SignalBus) *Syncer {
	s.bus = bus
	return s
}

// WithAlerter notifies operators when a connection enters the error state.
func (s *Syncer) WithAlerter(a Alerter) *Syncer {
	s.alerter = a
	return s
}

// Sync fetches from the connection's platform and reconciles the result. The
// returned log is the sealed audit record; err is non-nil when the attempt
// failed or could not start.
func (s *Syncer) Sync(ctx context.Context, connID uuid.UUID, trigger domain.SyncTrigger) (domain.SyncLog, error) {
	return s.attempt(ctx, connID, trigger, true, s.fetchLive)
}

// Ingest reconciles trades that were delivered rather than fetched (CSV
// uploads, expert-advisor pushes) under the same lease and audit trail.
func (s *Syncer) Ingest(ctx context.Context, connID uuid.UUID, trigger domain.SyncTrigger, trades []domain.RawTrade) (domain.SyncLog, error) {
	return s.attempt(ctx, connID, trigger, false, func(context.Context, domain.BrokerConnection) ([]domain.RawTrade, error) {
		return trades, nil
	})
}

type attemptResult struct {
	reconcile service.ReconcileResult
	err       error
}

func (s *Syncer) attempt(ctx context.Context, connID uuid.UUID, trigger domain.SyncTrigger, live bool, fetch fetchFunc) (domain.SyncLog, error) {
	prior, err := s.store.Connections().GetByID(ctx, connID)
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("syncer: %w", err)
	}
	if prior.Status == domain.ConnectionInactive {
		return domain.SyncLog{}, fmt.Errorf("syncer: %s: %w", connID, domain.ErrConnectionInactive)
	}

	start := s.now().UTC()
	conn, err := s.store.Connections().AcquireLease(ctx, connID, start, start.Add(s.cfg.LeaseTTL))
	if err != nil {
		return domain.SyncLog{}, fmt.Errorf("syncer: %w", err)
	}

	attemptID := id.NewAttempt(start)
	logger := s.logger.With(
		slog.String("connection_id", connID.String()),
		slog.String("platform", string(conn.Platform)),
		slog.String("attempt", attemptID),
		slog.String("trigger", string(trigger)),
	)

	if n, err := s.store.SyncLogs().SealStale(ctx, connID, start, "attempt abandoned: lease expired before it was sealed"); err != nil {
		logger.WarnContext(ctx, "syncer: seal stale logs failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.WarnContext(ctx, "syncer: sealed abandoned attempts", slog.Int64("count", n))
	}

	log := domain.SyncLog{
		ID:           uuid.New(),
		ConnectionID: connID,
		AttemptID:    attemptID,
		Trigger:      trigger,
		StartedAt:    start,
		Status:       domain.LogRunning,
	}
	if err := s.store.SyncLogs().Create(ctx, log); err != nil {
		s.release(ctx, conn, prior, start, live, err, logger)
		return domain.SyncLog{}, fmt.Errorf("syncer: create log: %w", err)
	}
	logger.InfoContext(ctx, "syncer: attempt started")

	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	res := s.run(actx, conn, prior, fetch, logger)
	if res.err != nil && actx.Err() != nil && ctx.Err() == nil {
		res.err = fmt.Errorf("timeout: attempt exceeded %s: %w", s.cfg.AttemptTimeout, res.err)
	}
	cancel()

	sealed, next := s.finalize(ctx, conn, prior, log, start, live, res, logger)
	s.publish(ctx, conn, sealed, res.reconcile.Dates, logger)
	if next == domain.ConnectionError && prior.Status != domain.ConnectionError {
		s.alert(ctx, conn, sealed, logger)
	}
	if res.err != nil {
		return sealed, fmt.Errorf("syncer: %s: %w", connID, res.err)
	}
	return sealed, nil
}

// run does the fetch, reconcile and aggregate work of one attempt.
func (s *Syncer) run(ctx context.Context, conn, prior domain.BrokerConnection, fetch fetchFunc, logger *slog.Logger) attemptResult {
	trades, err := fetch(ctx, conn)
	if err != nil {
		return attemptResult{err: err}
	}

	rec, err := s.reconciler.Reconcile(ctx, conn, trades)
	if err != nil {
		return attemptResult{err: err}
	}

	dates := rec.Dates
	if prior.LastSyncStatus == domain.SyncFailed || prior.LastSyncStatus == domain.SyncInProgress {
		// The previous attempt may have left stats stale; rebuild every day
		// this batch touches, changed or not.
		dates = mergeDates(dates, closeDates(trades, conn.Location()))
	}
	if _, err := s.stats.RecomputeDates(ctx, conn, dates); err != nil {
		return attemptResult{reconcile: rec, err: err}
	}

	logger.InfoContext(ctx, "syncer: reconciled",
		slog.Int("fetched", len(trades)),
		slog.Int("inserted", rec.Inserted),
		slog.Int("updated", rec.Updated),
		slog.Int("unchanged", rec.Unchanged),
		slog.Int("skipped", rec.Skipped),
		slog.Int("dates", len(dates)),
	)
	return attemptResult{reconcile: rec}
}

// fetchLive decrypts the credentials and pulls trades since the watermark.
// Plaintext exists only inside the vault scope.
func (s *Syncer) fetchLive(ctx context.Context, conn domain.BrokerConnection) ([]domain.RawTrade, error) {
	adapter, err := s.registry.Get(conn.Platform)
	if err != nil {
		return nil, err
	}
	var since *time.Time
	if conn.LastSyncAt != nil {
		w := conn.LastSyncAt.Add(-s.cfg.OverlapWindow)
		since = &w
	}

	var trades []domain.RawTrade
	err = s.vault.With(ctx, conn.CredentialsEncrypted, func(creds domain.Credentials) error {
		if err := provider.CheckCredentials(conn.Platform, creds); err != nil {
			return err
		}
		if err := s.withRetry(ctx, conn, "validate", func() error {
			return adapter.Validate(ctx, creds)
		}); err != nil {
			return err
		}
		return s.withRetry(ctx, conn, "fetch", func() error {
			var err error
			trades, err = provider.Collect(adapter.FetchTrades(ctx, creds, conn.AccountIdentifier, since))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// withRetry retries transient failures with capped exponential backoff and
// full jitter. A provider Retry-After hint replaces the computed delay.
func (s *Syncer) withRetry(ctx context.Context, conn domain.BrokerConnection, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		te, ok := domain.AsTransient(err)
		if !ok || attempt >= s.cfg.Retry.MaxAttempts {
			return err
		}
		delay := s.backoff(attempt, te.RetryAfter)
		if deadline, ok := ctx.Deadline(); ok && s.now().Add(delay).After(deadline) {
			return err
		}
		s.logger.WarnContext(ctx, "syncer: transient failure, retrying",
			slog.String("connection_id", conn.ID.String()),
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if serr := s.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

func (s *Syncer) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := s.cfg.Retry.BaseDelay << (attempt - 1)
	if d <= 0 || d > s.cfg.Retry.MaxDelay {
		d = s.cfg.Retry.MaxDelay
	}
	half := d / 2
	return half + time.Duration(s.jitter()*float64(d-half))
}

// finalize seals the log and writes the connection outcome in one
// transaction. It runs on a fresh deadline so a timed-out attempt is still
// recorded.
func (s *Syncer) finalize(ctx context.Context, conn, prior domain.BrokerConnection, log domain.SyncLog, start time.Time, live bool, res attemptResult, logger *slog.Logger) (domain.SyncLog, domain.ConnectionStatus) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	completed := s.now().UTC()
	seal := domain.SyncLogSeal{
		Status:        domain.LogSuccess,
		CompletedAt:   completed,
		TradesSynced:  res.reconcile.Synced(),
		TradesSkipped: res.reconcile.Skipped,
	}
	outcome := s.outcome(conn, prior, start, live, res.err, ctx.Err() != nil)
	if res.err != nil {
		seal.Status = domain.LogFailed
		seal.ErrorMessage = truncate(res.err.Error(), maxLogError)
	}

	err := s.store.WithTx(fctx, func(tx domain.Store) error {
		if err := tx.SyncLogs().Seal(fctx, log.ID, seal); err != nil {
			return err
		}
		return tx.Connections().CompleteSync(fctx, conn.ID, outcome)
	})
	if err != nil {
		// The lease expires on its own and the next attempt seals the log.
		logger.ErrorContext(ctx, "syncer: finalize failed", slog.String("error", err.Error()))
	}

	log.Status = seal.Status
	log.CompletedAt = &completed
	log.TradesSynced = seal.TradesSynced
	log.TradesSkipped = seal.TradesSkipped
	log.ErrorMessage = seal.ErrorMessage

	if res.err != nil {
		logger.ErrorContext(ctx, "syncer: attempt failed",
			slog.Int("consecutive_failures", outcome.ConsecutiveFailures),
			slog.String("connection_status", string(outcome.ConnectionStatus)),
			slog.String("error", seal.ErrorMessage),
		)
	} else {
		logger.InfoContext(ctx, "syncer: attempt succeeded",
			slog.Int("trades_synced", seal.TradesSynced),
			slog.Duration("took", completed.Sub(start)),
		)
	}
	return log, outcome.ConnectionStatus
}

// outcome decides what the attempt writes back onto the connection.
func (s *Syncer) outcome(conn, prior domain.BrokerConnection, start time.Time, live bool, err error, shuttingDown bool) domain.SyncOutcome {
	next := start.Add(s.cfg.interval(conn.Platform))
	if !live {
		// Delivered trades leave the live schedule and watermark alone.
		next = start
		if prior.NextSyncAt != nil {
			next = *prior.NextSyncAt
		}
	}

	if err == nil {
		o := domain.SyncOutcome{
			Status:           domain.SyncSuccess,
			ConnectionStatus: domain.ConnectionActive,
			NextSyncAt:       &next,
		}
		if live || !conn.Platform.Live() {
			o.LastSyncAt = &start
		}
		if !live {
			o.ConnectionStatus = prior.Status
			o.ConsecutiveFailures = prior.ConsecutiveFailures
		}
		return o
	}

	o := domain.SyncOutcome{
		Status:              domain.SyncFailed,
		ConnectionStatus:    prior.Status,
		Error:               truncate(err.Error(), maxConnectionError),
		ConsecutiveFailures: prior.ConsecutiveFailures,
		NextSyncAt:          &next,
	}
	if !live || shuttingDown {
		return o
	}
	o.ConsecutiveFailures++
	if domain.IsPermanent(err) || o.ConsecutiveFailures >= s.cfg.FailureThreshold {
		o.ConnectionStatus = domain.ConnectionError
	}
	return o
}

// release frees the lease when an attempt could not even open its log.
func (s *Syncer) release(ctx context.Context, conn, prior domain.BrokerConnection, start time.Time, live bool, cause error, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := s.store.Connections().CompleteSync(fctx, conn.ID, s.outcome(conn, prior, start, live, cause, true)); err != nil {
		logger.ErrorContext(ctx, "syncer: release lease failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) publish(ctx context.Context, conn domain.BrokerConnection, log domain.SyncLog, dates []time.Time, logger *slog.Logger) {
	if s.bus == nil {
		return
	}
	evt := domain.SyncEvent{
		ConnectionID: conn.ID.String(),
		UserID:       conn.UserID.String(),
		Platform:     conn.Platform,
		AttemptID:    log.AttemptID,
		Status:       log.Status,
		TradesSynced: log.TradesSynced,
		At:           s.now().UTC(),
	}
	for _, d := range dates {
		evt.Dates = append(evt.Dates, d.Format(domain.DateLayout))
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(pctx, domain.ChannelSyncCompleted, payload); err != nil {
		logger.WarnContext(ctx, "syncer: publish event failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) alert(ctx context.Context, conn domain.BrokerConnection, log domain.SyncLog, logger *slog.Logger) {
	if s.alerter == nil {
		return
	}
	title := fmt.Sprintf("Broker connection %s/%s in error", conn.Provider, conn.Platform)
	msg := fmt.Sprintf("connection %s (account %s) stopped syncing: %s",
		conn.ID, conn.AccountIdentifier, truncate(log.ErrorMessage, maxConnectionError))
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.alerter.Notify(actx, EventConnectionError, title, msg); err != nil {
		logger.WarnContext(ctx, "syncer: alert failed", slog.String("error", err.Error()))
	}
}

func closeDates(trades []domain.RawTrade, loc *time.Location) []time.Time {
	var out []time.Time
	for _, t := range trades {
		if t.Status == domain.TradeClosed && t.CloseTime != nil {
			out = append(out, domain.CivilDate(*t.CloseTime, loc))
		}
	}
	return out
}

func mergeDates(a, b []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(a)+len(b))
	var out []time.Time
	for _, d := range append(append([]time.Time{}, a...), b...) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
