package config

import (
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`
	Storage StorageConfig `json:"storage"`

	// Dispatch tunes the reminder sweep. Durations are Go duration strings.
	Dispatch DispatchConfig `json:"dispatch"`

	// Scheduler runs the sweep in-process. When disabled, an external cron
	// is expected to call the trigger endpoint.
	Scheduler SchedulerConfig `json:"scheduler"`

	Channels ChannelsConfig `json:"channels"`

	// Redis is optional. When set, dispatch runs take a distributed lock.
	Redis *RedisConfig `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API server.
//
// Security note:
//   - CronSecret guards the trigger endpoint. Leave empty only behind a private network.
//   - The CRON_SECRET environment variable takes precedence.
type HTTPConfig struct {
	Addr       string `json:"addr,omitempty"` // default: ":8080"
	CronSecret string `json:"cron_secret,omitempty"`

	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// Pprof mounts /debug/pprof on the API listener. Applied at startup only.
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crmnotify.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://crm@localhost/crm" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // DATABASE_URL overrides
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type DispatchConfig struct {
	// Lookback bounds how far in the past an overdue reminder is still picked up.
	Lookback string `json:"lookback,omitempty"` // default: "24h"
	// ChannelTimeout bounds a single channel send.
	ChannelTimeout string `json:"channel_timeout,omitempty"` // default: "10s"
	// DefaultTimezone renders due times when the assignee has none.
	DefaultTimezone string `json:"default_timezone,omitempty"` // default: "America/New_York"
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule accepts cron ("*/1 * * * *"), "@every 1m", "1m", or "HH:MM".
	Schedule string `json:"schedule,omitempty"` // default: "@every 1m"
	Timezone string `json:"timezone,omitempty"`
	// Timeout bounds one scheduled run.
	Timeout string `json:"timeout,omitempty"` // default: "2m"
}

type ChannelsConfig struct {
	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

// EmailConfig picks the email transport. Mode "log" (default) only logs
// the message; "smtp" delivers through an implicit-TLS SMTP relay.
type EmailConfig struct {
	Mode     string `json:"mode,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
}

type TelegramConfig struct {
	// APIURL is the Bot API base. TELEGRAM_API_URL overrides.
	APIURL     string `json:"api_url,omitempty"` // default: "https://api.telegram.org"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type WebhookConfig struct {
	// URL, when set, wins over the stored settings and locks the field in the
	// settings API. NOTIFY_WEBHOOK_URL overrides.
	URL string `json:"url,omitempty"`
}

type RedisConfig struct {
	URL     string `json:"url"` // REDIS_URL overrides
	LockKey string `json:"lock_key,omitempty"`
	LockTTL string `json:"lock_ttl,omitempty"` // default: "5m"
}

func (c StorageConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	switch d {
	case "", "sqlite", "sqlite3":
		if d == "" && looksLikePostgres(c.DSN) {
			return "postgres"
		}
		return "sqlite"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	}
	return d
}

func looksLikePostgres(dsn string) bool {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
