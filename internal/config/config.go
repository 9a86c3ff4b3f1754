// Package config defines the top-level configuration for the broker sync
// engine and provides validation helpers.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BROKERSYNC_* environment variables.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Vault     VaultConfig     `toml:"vault"`
	Sync      SyncConfig      `toml:"sync"`
	Platforms PlatformsConfig `toml:"platforms"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Archive   ArchiveConfig   `toml:"archive"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. A disabled Redis limits the
// engine to a single instance: no shared API budgets, no archive lock, no
// event stream.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VaultConfig holds the credential master key material.
type VaultConfig struct {
	// MasterKey is a base64 encoded 32-byte key.
	MasterKey string `toml:"master_key"`
	// FallbackSecret derives a key via HKDF when MasterKey is empty.
	FallbackSecret string `toml:"fallback_secret"`
	// PreviousKeys still decrypt blobs written before a rotation.
	PreviousKeys []string `toml:"previous_keys"`
}

// SyncConfig tunes the scheduler and the per-attempt behaviour.
type SyncConfig struct {
	Workers          int      `toml:"workers"`
	PollInterval     duration `toml:"poll_interval"`
	BatchSize        int      `toml:"batch_size"`
	DefaultInterval  duration `toml:"default_interval"`
	AttemptTimeout   duration `toml:"attempt_timeout"`
	LeaseTTL         duration `toml:"lease_ttl"`
	OverlapWindow    duration `toml:"overlap_window"`
	FailureThreshold int      `toml:"failure_threshold"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryBaseDelay   duration `toml:"retry_base_delay"`
	RetryMaxDelay    duration `toml:"retry_max_delay"`
	// Platforms is keyed by platform name, e.g. [sync.platforms.tradovate].
	Platforms map[string]PlatformSyncConfig `toml:"platforms"`
}

// PlatformSyncConfig overrides scheduling for one platform.
type PlatformSyncConfig struct {
	Interval          duration `toml:"interval"`
	Concurrency       int      `toml:"concurrency"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
}

// PlatformsConfig holds broker API endpoints and registered application
// identities.
type PlatformsConfig struct {
	HTTPTimeout  duration `toml:"http_timeout"`
	Backfill     duration `toml:"backfill"`
	CTraderURL   string   `toml:"ctrader_url"`
	MetaAPIURL   string   `toml:"metaapi_url"`
	TopstepXURL  string   `toml:"topstepx_url"`
	TradovateURL string   `toml:"tradovate_url"`
	// Tradovate registered application.
	TradovateAppID      string `toml:"tradovate_app_id"`
	TradovateAppVersion string `toml:"tradovate_app_version"`
	TradovateCID        string `toml:"tradovate_cid"`
	TradovateSecret     string `toml:"tradovate_secret"`
	RithmicURL          string `toml:"rithmic_url"`
	RithmicSystem       string `toml:"rithmic_system"`
	RithmicAppName      string `toml:"rithmic_app_name"`
	RithmicAppVersion   string `toml:"rithmic_app_version"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects every route except health and EA push.
	APIKey string `toml:"api_key"`
	// RateLimitPerMinute caps requests per client IP; needs Redis.
	RateLimitPerMinute int   `toml:"rate_limit_per_minute"`
	MaxUploadBytes     int64 `toml:"max_upload_bytes"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// QuietPeriod suppresses repeats of the same alert.
	QuietPeriod duration `toml:"quiet_period"`
}

// ArchiveConfig schedules the monthly sync log archive.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "brokersync.db",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "brokersync",
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			Workers:          16,
			PollInterval:     duration{30 * time.Second},
			BatchSize:        100,
			DefaultInterval:  duration{15 * time.Minute},
			AttemptTimeout:   duration{5 * time.Minute},
			LeaseTTL:         duration{6 * time.Minute},
			OverlapWindow:    duration{24 * time.Hour},
			FailureThreshold: 3,
			RetryMaxAttempts: 5,
			RetryBaseDelay:   duration{time.Second},
			RetryMaxDelay:    duration{time.Minute},
			Platforms: map[string]PlatformSyncConfig{
				"ctrader":   {Concurrency: 4, RequestsPerMinute: 120},
				"mt4":       {Concurrency: 4, RequestsPerMinute: 60},
				"mt5":       {Concurrency: 4, RequestsPerMinute: 60},
				"topstepx":  {Concurrency: 2, RequestsPerMinute: 60},
				"tradovate": {Concurrency: 2, RequestsPerMinute: 60},
				"rithmic":   {Concurrency: 2},
			},
		},
		Platforms: PlatformsConfig{
			HTTPTimeout:         duration{30 * time.Second},
			Backfill:            duration{90 * 24 * time.Hour},
			CTraderURL:          "https://api.spotware.com",
			MetaAPIURL:          "https://mt-client-api-v1.new-york.agiliumtrade.ai",
			TopstepXURL:         "https://api.topstepx.com",
			TradovateURL:        "https://live.tradovateapi.com/v1",
			TradovateAppVersion: "1.0",
			RithmicURL:          "wss://rprotocol.rithmic.com:443",
			RithmicSystem:       "Rithmic Paper Trading",
			RithmicAppName:      "brokersync",
			RithmicAppVersion:   "1.0",
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
			MaxUploadBytes:     10 << 20,
		},
		Notify: NotifyConfig{
			Events:      []string{"connection_error"},
			QuietPeriod: duration{time.Hour},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Cron:    "0 3 1 * *",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"sync":   true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			errs = append(errs, "store: sqlite_path must not be empty for driver sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Vault
	if strings.TrimSpace(c.Vault.MasterKey) == "" && c.Vault.FallbackSecret == "" {
		errs = append(errs, "vault: master_key or fallback_secret must be set")
	}

	// Sync
	if c.Sync.Workers < 1 {
		errs = append(errs, "sync: workers must be >= 1")
	}
	if c.Sync.AttemptTimeout.Duration <= 0 {
		errs = append(errs, "sync: attempt_timeout must be > 0")
	}
	if c.Sync.LeaseTTL.Duration <= c.Sync.AttemptTimeout.Duration {
		errs = append(errs, "sync: lease_ttl must exceed attempt_timeout")
	}
	if c.Sync.OverlapWindow.Duration < 0 {
		errs = append(errs, "sync: overlap_window must be >= 0")
	}
	if c.Sync.FailureThreshold < 1 {
		errs = append(errs, "sync: failure_threshold must be >= 1")
	}
	if c.Sync.RetryMaxAttempts < 1 {
		errs = append(errs, "sync: retry_max_attempts must be >= 1")
	}
	if c.Sync.RetryMaxDelay.Duration < c.Sync.RetryBaseDelay.Duration {
		errs = append(errs, "sync: retry_max_delay must be >= retry_base_delay")
	}
	for name, p := range c.Sync.Platforms {
		if !domain.Platform(name).Valid() {
			errs = append(errs, fmt.Sprintf("sync.platforms: unknown platform %q", name))
			continue
		}
		if p.Concurrency < 0 || p.RequestsPerMinute < 0 || p.Interval.Duration < 0 {
			errs = append(errs, fmt.Sprintf("sync.platforms.%s: values must not be negative", name))
		}
	}

	// Server
	if c.Server.Enabled && c.Mode != "sync" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if !c.Redis.Enabled {
			errs = append(errs, "archive: requires redis.enabled for the archive lock")
		}
		if err := validateCron(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateCron only checks the field count; the pipeline parser reports
// value errors at startup.
func validateCron(expr string) error {
	if n := len(strings.Fields(expr)); n != 5 {
		return fmt.Errorf("expected 5 fields, got %d", n)
	}
	return nil
}

// ParseLevel maps log_level onto a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
