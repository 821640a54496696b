// Package config defines the top-level configuration for tradedesk and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEDESK_* environment variables.
type Config struct {
	Upstream UpstreamConfig `toml:"upstream"`
	Stream   StreamConfig   `toml:"stream"`
	Health   HealthConfig   `toml:"health"`
	Server   ServerConfig   `toml:"server"`
	Redis    RedisConfig    `toml:"redis"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Recorder RecorderConfig `toml:"recorder"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// UpstreamConfig points at the trading backend.
type UpstreamConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// StreamConfig controls the live stream connection and its reconnect policy.
type StreamConfig struct {
	// Transport is "ws" or "sse".
	Transport   string   `toml:"transport"`
	WSURL       string   `toml:"ws_url"`
	SSEPath     string   `toml:"sse_path"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Jitter      float64  `toml:"jitter"`
	DialTimeout duration `toml:"dial_timeout"`
	MaxAlerts   int      `toml:"max_alerts"`
	// Symbols are subscribed automatically once the stream starts.
	Symbols []string `toml:"symbols"`
}

// HealthConfig controls the backend health monitor.
type HealthConfig struct {
	Interval      duration `toml:"interval"`
	Timeout       duration `toml:"timeout"`
	RetryBase     duration `toml:"retry_base"`
	RetryMax      duration `toml:"retry_max"`
	RetryAttempts int      `toml:"retry_attempts"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of proxied requests allowed per RateWindow and
	// client. Zero disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
	// TrustProxyHeaders keys the rate limit on X-Forwarded-For / X-Real-IP.
	// Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	PriceTTL   duration `toml:"price_ttl"`
	// Namespace prefixes every price, rate-limit and lock key.
	Namespace string `toml:"namespace"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RecorderConfig controls archiving of raw stream frames to object storage.
// The recorder requires S3.
type RecorderConfig struct {
	Enabled       bool     `toml:"enabled"`
	FlushInterval duration `toml:"flush_interval"`
	MaxBatch      int      `toml:"max_batch"`
	Prefix        string   `toml:"prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			BaseURL: "http://localhost:8000",
			Timeout: duration{10 * time.Second},
		},
		Stream: StreamConfig{
			Transport:   "ws",
			SSEPath:     "/market/stream/events",
			BaseDelay:   duration{time.Second},
			MaxDelay:    duration{30 * time.Second},
			MaxAttempts: 5,
			DialTimeout: duration{10 * time.Second},
			MaxAlerts:   200,
		},
		Health: HealthConfig{
			Interval:      duration{30 * time.Second},
			Timeout:       duration{5 * time.Second},
			RetryBase:     duration{time.Second},
			RetryMax:      duration{30 * time.Second},
			RetryAttempts: 5,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateWindow:  duration{time.Minute},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "tradedesk",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradedesk-data",
			ForcePathStyle: true,
		},
		Recorder: RecorderConfig{
			FlushInterval: duration{time.Minute},
			MaxBatch:      1000,
			Prefix:        "frames",
		},
		Notify: NotifyConfig{
			Events: []string{"alert", "connection_lost", "retries_exhausted"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":   true,
	"proxy":  true,
	"stream": true,
}

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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, proxy, stream)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Upstream
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Host == "" ||
		(u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("upstream: base_url must be an http(s) URL, got %q", c.Upstream.BaseURL))
	}
	if c.Upstream.Timeout.Duration <= 0 {
		errs = append(errs, "upstream: timeout must be > 0")
	}

	// Stream
	switch c.Stream.Transport {
	case "ws", "sse":
	default:
		errs = append(errs, fmt.Sprintf("stream: transport must be ws or sse, got %q", c.Stream.Transport))
	}
	if c.Stream.WSURL != "" {
		if u, err := url.Parse(c.Stream.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Sprintf("stream: ws_url must be a ws(s) URL, got %q", c.Stream.WSURL))
		}
	}
	if c.Stream.BaseDelay.Duration <= 0 {
		errs = append(errs, "stream: base_delay must be > 0")
	}
	if c.Stream.MaxDelay.Duration < c.Stream.BaseDelay.Duration {
		errs = append(errs, "stream: max_delay must not be below base_delay")
	}
	if c.Stream.MaxAttempts < 0 {
		errs = append(errs, "stream: max_attempts must be >= 0 (0 retries forever)")
	}
	if c.Stream.Jitter < 0 || c.Stream.Jitter >= 1 {
		errs = append(errs, "stream: jitter must be in [0, 1)")
	}
	if c.Stream.MaxAlerts < 1 {
		errs = append(errs, "stream: max_alerts must be >= 1")
	}

	// Health
	if c.Health.Interval.Duration <= 0 {
		errs = append(errs, "health: interval must be > 0")
	}
	if c.Health.Timeout.Duration <= 0 {
		errs = append(errs, "health: timeout must be > 0")
	}
	if c.Health.RetryBase.Duration <= 0 {
		errs = append(errs, "health: retry_base must be > 0")
	}

	// Server
	if c.Server.Enabled && c.Mode != "stream" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 {
			if c.Server.RateWindow.Duration <= 0 {
				errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
			}
			if !c.Redis.Enabled {
				errs = append(errs, "server: rate_limit requires redis.enabled")
			}
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Database
	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Recorder / S3
	if c.Recorder.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when the recorder is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when the recorder is enabled")
		}
		if c.Recorder.FlushInterval.Duration <= 0 {
			errs = append(errs, "recorder: flush_interval must be > 0")
		}
		if c.Recorder.MaxBatch < 1 {
			errs = append(errs, "recorder: max_batch must be >= 1")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NeedsStream reports whether the mode runs the live stream.
func (c *Config) NeedsStream() bool {
	mode := strings.ToLower(c.Mode)
	return mode == "full" || mode == "stream"
}

// NeedsServer reports whether the mode serves HTTP.
func (c *Config) NeedsServer() bool {
	mode := strings.ToLower(c.Mode)
	return c.Server.Enabled && (mode == "full" || mode == "proxy")
}
