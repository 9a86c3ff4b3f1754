package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/brokersync/internal/blob/s3"
	"github.com/alanyoungcy/brokersync/internal/cache/redis"
	"github.com/alanyoungcy/brokersync/internal/config"
	"github.com/alanyoungcy/brokersync/internal/domain"
	"github.com/alanyoungcy/brokersync/internal/notify"
	"github.com/alanyoungcy/brokersync/internal/provider"
	"github.com/alanyoungcy/brokersync/internal/provider/csvimport"
	"github.com/alanyoungcy/brokersync/internal/provider/ctrader"
	"github.com/alanyoungcy/brokersync/internal/provider/metaapi"
	"github.com/alanyoungcy/brokersync/internal/provider/rithmic"
	"github.com/alanyoungcy/brokersync/internal/provider/topstepx"
	"github.com/alanyoungcy/brokersync/internal/provider/tradovate"
	"github.com/alanyoungcy/brokersync/internal/server/handler"
	"github.com/alanyoungcy/brokersync/internal/store/postgres"
	"github.com/alanyoungcy/brokersync/internal/store/sqlite"
	"github.com/alanyoungcy/brokersync/internal/vault"
)

// Dependencies bundles the concrete implementations the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Redis and S3 backed fields are nil when those backends are
// disabled.
type Dependencies struct {
	Store    domain.Store
	Vault    *vault.Vault
	Registry *provider.Registry

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Events      domain.EventReader

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver
	Archive    domain.ArchiveBrowser

	// Notifications
	Notifier *notify.Notifier

	// Health checks keyed by backend name.
	Health map[string]handler.Pinger
}

// pingFunc adapts a health check with a different method name.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: map[string]handler.Pinger{}}

	// --- Store ---
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Store = st
		deps.Health["sqlite"] = st
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Store = postgres.NewStore(pgClient)
		deps.Health["postgres"] = pgClient
	}

	// --- Credential vault ---
	v, err := newVault(cfg.Vault)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	deps.Vault = v
	logger.InfoContext(ctx, "wire: vault ready",
		slog.String("key", v.KeyFingerprint()),
		slog.Int("previous_keys", len(cfg.Vault.PreviousKeys)),
	)

	deps.Registry = newRegistry(cfg.Platforms)

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Registry.SetThrottle(provider.NewBudget(deps.RateLimiter, requestBudgets(cfg.Sync)))
		deps.LockManager = redis.NewLockManager(redisClient)
		bus := redis.NewSignalBus(redisClient)
		deps.SignalBus = bus
		deps.Events = bus
		deps.Health["redis"] = redisClient
	} else {
		logger.WarnContext(ctx, "wire: redis disabled; rate limits, events and archive locks are off")
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		archiver := s3blob.NewArchiver(writer, reader, deps.Store.SyncLogs())
		deps.Archiver = archiver
		deps.Archive = archiver
		deps.Health["s3"] = pingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QuietPeriod.Duration, logger)

	return deps, cleanup, nil
}

// newVault loads the active key and any retired keys still able to decrypt
// stored credentials.
func newVault(cfg config.VaultConfig) (*vault.Vault, error) {
	key, err := vault.LoadKey(cfg.MasterKey, cfg.FallbackSecret)
	if err != nil {
		return nil, err
	}
	previous := make([][]byte, 0, len(cfg.PreviousKeys))
	for i, s := range cfg.PreviousKeys {
		k, err := vault.LoadKey(s, "")
		if err != nil {
			return nil, fmt.Errorf("vault: previous key %d: %w", i, err)
		}
		previous = append(previous, k)
	}
	return vault.New(key, previous...)
}

// requestBudgets maps each platform's requests_per_minute onto the
// outbound request budget.
func requestBudgets(cfg config.SyncConfig) map[domain.Platform]int {
	out := make(map[domain.Platform]int, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		if p.RequestsPerMinute > 0 {
			out[domain.Platform(name)] = p.RequestsPerMinute
		}
	}
	return out
}

// newRegistry registers one adapter per supported platform. All HTTP
// adapters share a client.
func newRegistry(cfg config.PlatformsConfig) *provider.Registry {
	hc := &http.Client{Timeout: cfg.HTTPTimeout.Duration}
	backfill := cfg.Backfill.Duration

	return provider.NewRegistry(
		ctrader.New(cfg.CTraderURL, hc, backfill),
		metaapi.New(domain.PlatformMT4, cfg.MetaAPIURL, hc, backfill),
		metaapi.New(domain.PlatformMT5, cfg.MetaAPIURL, hc, backfill),
		topstepx.New(cfg.TopstepXURL, hc, backfill),
		tradovate.New(cfg.TradovateURL, hc, tradovate.AppInfo{
			AppID:      cfg.TradovateAppID,
			AppVersion: cfg.TradovateAppVersion,
			CID:        cfg.TradovateCID,
			Secret:     cfg.TradovateSecret,
		}),
		rithmic.New(rithmic.Config{
			URL:        cfg.RithmicURL,
			SystemName: cfg.RithmicSystem,
			AppName:    cfg.RithmicAppName,
			AppVersion: cfg.RithmicAppVersion,
			Backfill:   backfill,
		}),
		csvimport.Adapter{},
	)
}
