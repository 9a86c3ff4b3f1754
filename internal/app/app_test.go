package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/brokersync/internal/config"
	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/service"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "brokersync.db")
	cfg.Redis.Enabled = false
	cfg.Vault.FallbackSecret = "app-test-secret"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestWireSQLiteWithoutRedis(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, cleanup, err := Wire(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Events)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Archive)
	assert.False(t, deps.Notifier.Enabled())
	require.Contains(t, deps.Health, "sqlite")
	assert.NoError(t, deps.Health["sqlite"].Ping(ctx))

	assert.Equal(t, []domain.Platform{
		domain.PlatformCSV,
		domain.PlatformCTrader,
		domain.PlatformMT4,
		domain.PlatformMT5,
		domain.PlatformRithmic,
		domain.PlatformTopstepX,
		domain.PlatformTradovate,
	}, deps.Registry.Platforms())

	engine := NewEngine(cfg, deps, logger)
	conn, err := engine.Connections.Create(ctx, service.CreateConnectionInput{
		UserID:            uuid.New(),
		Provider:          domain.ProviderFTMO,
		Platform:          domain.PlatformCSV,
		AccountIdentifier: "statement-1",
	})
	require.NoError(t, err)

	got, err := deps.Store.Connections().GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, got.Status)
}

func TestWireRejectsBadPreviousKey(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Vault.PreviousKeys = []string{"not-base64!"}

	_, _, err := Wire(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous key 0")
}

func TestSyncerConfigMapsPlatforms(t *testing.T) {
	cfg := config.Defaults()
	sc := syncerConfig(cfg.Sync)

	assert.Equal(t, 5*time.Minute, sc.AttemptTimeout)
	assert.Equal(t, 24*time.Hour, sc.OverlapWindow)
	assert.Equal(t, 3, sc.FailureThreshold)
	assert.Equal(t, 5, sc.Retry.MaxAttempts)
	assert.Equal(t, 4, sc.Platforms[domain.PlatformCTrader].Concurrency)
	assert.Equal(t, 2, sc.Platforms[domain.PlatformRithmic].Concurrency)

	budgets := requestBudgets(cfg.Sync)
	assert.Equal(t, 120, budgets[domain.PlatformCTrader])
	assert.Equal(t, 60, budgets[domain.PlatformTradovate])
}

func TestArchiveNeedsBlobStore(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Archive.Enabled = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	a := New(cfg, logger)
	_, err = a.newOrchestrator(deps, NewEngine(cfg, deps, logger))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 is not configured")
}
