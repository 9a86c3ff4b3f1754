package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)

	redact(&out.Redis.URL)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Vault.MasterKey)
	redact(&out.Vault.FallbackSecret)
	if cfg.Vault.PreviousKeys != nil {
		out.Vault.PreviousKeys = make([]string, len(cfg.Vault.PreviousKeys))
		for i := range out.Vault.PreviousKeys {
			out.Vault.PreviousKeys[i] = redacted
		}
	}

	redact(&out.Platforms.TradovateCID)
	redact(&out.Platforms.TradovateSecret)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Sync.Platforms != nil {
		out.Sync.Platforms = make(map[string]PlatformSyncConfig, len(cfg.Sync.Platforms))
		for k, v := range cfg.Sync.Platforms {
			out.Sync.Platforms[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
