package config

import "slices"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Upstream.APIKey)
	redact(&out.Server.APIKey)
	redact(&out.Redis.Password)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// The ws_url may carry the api key in its query string.
	redact(&out.Stream.WSURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Stream.Symbols = slices.Clone(cfg.Stream.Symbols)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
