package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEDESK_* environment variable overrides, and
// returns the final Config. An empty path, or a path that does not exist,
// leaves the defaults in place. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEDESK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Upstream ──
	setStr(&cfg.Upstream.BaseURL, "TRADEDESK_UPSTREAM_BASE_URL")
	setStr(&cfg.Upstream.BaseURL, "TRADEDESK_API_BASE") // compatibility alias
	setStr(&cfg.Upstream.APIKey, "TRADEDESK_UPSTREAM_API_KEY")
	setDuration(&cfg.Upstream.Timeout, "TRADEDESK_UPSTREAM_TIMEOUT")

	// ── Stream ──
	setStr(&cfg.Stream.Transport, "TRADEDESK_STREAM_TRANSPORT")
	setStr(&cfg.Stream.WSURL, "TRADEDESK_STREAM_WS_URL")
	setStr(&cfg.Stream.WSURL, "TRADEDESK_WS_BASE") // compatibility alias
	setStr(&cfg.Stream.SSEPath, "TRADEDESK_STREAM_SSE_PATH")
	setDuration(&cfg.Stream.BaseDelay, "TRADEDESK_STREAM_BASE_DELAY")
	setDuration(&cfg.Stream.MaxDelay, "TRADEDESK_STREAM_MAX_DELAY")
	setInt(&cfg.Stream.MaxAttempts, "TRADEDESK_STREAM_MAX_ATTEMPTS")
	setFloat64(&cfg.Stream.Jitter, "TRADEDESK_STREAM_JITTER")
	setDuration(&cfg.Stream.DialTimeout, "TRADEDESK_STREAM_DIAL_TIMEOUT")
	setInt(&cfg.Stream.MaxAlerts, "TRADEDESK_STREAM_MAX_ALERTS")
	setStringSlice(&cfg.Stream.Symbols, "TRADEDESK_STREAM_SYMBOLS")

	// ── Health ──
	setDuration(&cfg.Health.Interval, "TRADEDESK_HEALTH_INTERVAL")
	setDuration(&cfg.Health.Timeout, "TRADEDESK_HEALTH_TIMEOUT")
	setDuration(&cfg.Health.RetryBase, "TRADEDESK_HEALTH_RETRY_BASE")
	setDuration(&cfg.Health.RetryMax, "TRADEDESK_HEALTH_RETRY_MAX")
	setInt(&cfg.Health.RetryAttempts, "TRADEDESK_HEALTH_RETRY_ATTEMPTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEDESK_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEDESK_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRADEDESK_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEDESK_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "TRADEDESK_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TRADEDESK_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.TrustProxyHeaders, "TRADEDESK_SERVER_TRUST_PROXY_HEADERS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEDESK_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEDESK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEDESK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEDESK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEDESK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEDESK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEDESK_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "TRADEDESK_REDIS_PRICE_TTL")
	setStr(&cfg.Redis.Namespace, "TRADEDESK_REDIS_NAMESPACE")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "TRADEDESK_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "TRADEDESK_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "TRADEDESK_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "TRADEDESK_DATABASE_HOST")
	setInt(&cfg.Database.Port, "TRADEDESK_DATABASE_PORT")
	setStr(&cfg.Database.Database, "TRADEDESK_DATABASE_NAME")
	setStr(&cfg.Database.User, "TRADEDESK_DATABASE_USER")
	setStr(&cfg.Database.Password, "TRADEDESK_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "TRADEDESK_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "TRADEDESK_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "TRADEDESK_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "TRADEDESK_DATABASE_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADEDESK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEDESK_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEDESK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEDESK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEDESK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEDESK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEDESK_S3_FORCE_PATH_STYLE")

	// ── Recorder ──
	setBool(&cfg.Recorder.Enabled, "TRADEDESK_RECORDER_ENABLED")
	setDuration(&cfg.Recorder.FlushInterval, "TRADEDESK_RECORDER_FLUSH_INTERVAL")
	setInt(&cfg.Recorder.MaxBatch, "TRADEDESK_RECORDER_MAX_BATCH")
	setStr(&cfg.Recorder.Prefix, "TRADEDESK_RECORDER_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEDESK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEDESK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEDESK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEDESK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEDESK_MODE")
	setStr(&cfg.LogLevel, "TRADEDESK_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
