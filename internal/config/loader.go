package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BROKERSYNC_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BROKERSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "BROKERSYNC_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "BROKERSYNC_STORE_SQLITE_PATH")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "BROKERSYNC_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "BROKERSYNC_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "BROKERSYNC_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "BROKERSYNC_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "BROKERSYNC_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "BROKERSYNC_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "BROKERSYNC_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "BROKERSYNC_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "BROKERSYNC_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "BROKERSYNC_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "BROKERSYNC_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BROKERSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "BROKERSYNC_REDIS_URL")
	setStr(&cfg.Redis.Addr, "BROKERSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BROKERSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BROKERSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BROKERSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BROKERSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BROKERSYNC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BROKERSYNC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BROKERSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BROKERSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "BROKERSYNC_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "BROKERSYNC_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "BROKERSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BROKERSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BROKERSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BROKERSYNC_S3_FORCE_PATH_STYLE")

	// ── Vault ──
	setStr(&cfg.Vault.MasterKey, "BROKERSYNC_VAULT_MASTER_KEY")
	setStr(&cfg.Vault.FallbackSecret, "BROKERSYNC_VAULT_FALLBACK_SECRET")
	setStringSlice(&cfg.Vault.PreviousKeys, "BROKERSYNC_VAULT_PREVIOUS_KEYS")

	// ── Sync ──
	setInt(&cfg.Sync.Workers, "BROKERSYNC_SYNC_WORKERS")
	setDuration(&cfg.Sync.PollInterval, "BROKERSYNC_SYNC_POLL_INTERVAL")
	setInt(&cfg.Sync.BatchSize, "BROKERSYNC_SYNC_BATCH_SIZE")
	setDuration(&cfg.Sync.DefaultInterval, "BROKERSYNC_SYNC_DEFAULT_INTERVAL")
	setDuration(&cfg.Sync.AttemptTimeout, "BROKERSYNC_SYNC_ATTEMPT_TIMEOUT")
	setDuration(&cfg.Sync.LeaseTTL, "BROKERSYNC_SYNC_LEASE_TTL")
	setDuration(&cfg.Sync.OverlapWindow, "BROKERSYNC_SYNC_OVERLAP_WINDOW")
	setInt(&cfg.Sync.FailureThreshold, "BROKERSYNC_SYNC_FAILURE_THRESHOLD")
	setInt(&cfg.Sync.RetryMaxAttempts, "BROKERSYNC_SYNC_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Sync.RetryBaseDelay, "BROKERSYNC_SYNC_RETRY_BASE_DELAY")
	setDuration(&cfg.Sync.RetryMaxDelay, "BROKERSYNC_SYNC_RETRY_MAX_DELAY")

	// ── Platforms ──
	setDuration(&cfg.Platforms.HTTPTimeout, "BROKERSYNC_PLATFORMS_HTTP_TIMEOUT")
	setDuration(&cfg.Platforms.Backfill, "BROKERSYNC_PLATFORMS_BACKFILL")
	setStr(&cfg.Platforms.CTraderURL, "BROKERSYNC_PLATFORMS_CTRADER_URL")
	setStr(&cfg.Platforms.MetaAPIURL, "BROKERSYNC_PLATFORMS_METAAPI_URL")
	setStr(&cfg.Platforms.TopstepXURL, "BROKERSYNC_PLATFORMS_TOPSTEPX_URL")
	setStr(&cfg.Platforms.TradovateURL, "BROKERSYNC_PLATFORMS_TRADOVATE_URL")
	setStr(&cfg.Platforms.TradovateAppID, "BROKERSYNC_PLATFORMS_TRADOVATE_APP_ID")
	setStr(&cfg.Platforms.TradovateAppVersion, "BROKERSYNC_PLATFORMS_TRADOVATE_APP_VERSION")
	setStr(&cfg.Platforms.TradovateCID, "BROKERSYNC_PLATFORMS_TRADOVATE_CID")
	setStr(&cfg.Platforms.TradovateSecret, "BROKERSYNC_PLATFORMS_TRADOVATE_SECRET")
	setStr(&cfg.Platforms.RithmicURL, "BROKERSYNC_PLATFORMS_RITHMIC_URL")
	setStr(&cfg.Platforms.RithmicSystem, "BROKERSYNC_PLATFORMS_RITHMIC_SYSTEM")
	setStr(&cfg.Platforms.RithmicAppName, "BROKERSYNC_PLATFORMS_RITHMIC_APP_NAME")
	setStr(&cfg.Platforms.RithmicAppVersion, "BROKERSYNC_PLATFORMS_RITHMIC_APP_VERSION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BROKERSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BROKERSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BROKERSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BROKERSYNC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "BROKERSYNC_SERVER_RATE_LIMIT_PER_MINUTE")
	setInt64(&cfg.Server.MaxUploadBytes, "BROKERSYNC_SERVER_MAX_UPLOAD_BYTES")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BROKERSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BROKERSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BROKERSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BROKERSYNC_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.QuietPeriod, "BROKERSYNC_NOTIFY_QUIET_PERIOD")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BROKERSYNC_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "BROKERSYNC_ARCHIVE_CRON")

	// ── Top-level ──
	setStr(&cfg.Mode, "BROKERSYNC_MODE")
	setStr(&cfg.LogLevel, "BROKERSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
