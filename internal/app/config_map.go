package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"crmnotify/internal/config"
	"crmnotify/internal/dispatch"
	"crmnotify/internal/httpapi"
	"crmnotify/internal/notify"
	"crmnotify/internal/scheduler"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"

	"github.com/redis/go-redis/v9"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := sc.DriverName()
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./crmnotify.db"
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchTuning(cfg *config.Config) (dispatch.Tuning, error) {
	lookback, err := config.ParseDurationOrDefault("dispatch.lookback", cfg.Dispatch.Lookback, dispatch.DefaultLookback)
	if err != nil {
		return dispatch.Tuning{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.channel_timeout", cfg.Dispatch.ChannelTimeout, dispatch.DefaultChannelTimeout)
	if err != nil {
		return dispatch.Tuning{}, err
	}
	return dispatch.Tuning{
		Lookback:        lookback,
		ChannelTimeout:  timeout,
		DefaultTimezone: strings.TrimSpace(cfg.Dispatch.DefaultTimezone),
		WebhookURL:      strings.TrimSpace(cfg.Channels.Webhook.URL),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.timeout", cfg.Scheduler.Timeout, scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Schedule: cfg.Scheduler.Schedule,
		Timezone: cfg.Scheduler.Timezone,
		Timeout:  timeout,
	}
	if strings.TrimSpace(sc.Schedule) != "" {
		if _, err := scheduler.Parse(sc.Schedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
		}
	}
	return sc, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	// The trigger may wait on several channel sends.
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.ServerConfig{
		Addr:            addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
	}, nil
}

// buildSenders wires one instrumented sender per channel.
func buildSenders(cfg *config.Config, log logx.Logger) *notify.Set {
	var email notify.Sender
	ec := cfg.Channels.Email
	if strings.EqualFold(strings.TrimSpace(ec.Mode), "smtp") {
		email = notify.NewSMTPEmailSender(notify.SMTPOptions{
			Host:     strings.TrimSpace(ec.Host),
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
			From:     strings.TrimSpace(ec.From),
		}, log)
	} else {
		email = notify.NewLogEmailSender(log)
	}

	tg := notify.NewTelegramSender(notify.TelegramOptions{
		APIURL:     cfg.Channels.Telegram.APIURL,
		RatePerSec: cfg.Channels.Telegram.RatePerSec,
	}, log)
	wh := notify.NewWebhookSender(&http.Client{Timeout: 15 * time.Second}, log)

	return notify.NewSet(
		notify.Instrument(email),
		notify.Instrument(tg),
		notify.Instrument(wh),
	)
}

type lockConfig struct {
	opts *redis.Options
	key  string
	ttl  time.Duration
}

// mapRedisConfig returns nil when no redis is configured.
func mapRedisConfig(cfg *config.Config) (*lockConfig, error) {
	if cfg.Redis == nil || strings.TrimSpace(cfg.Redis.URL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.Redis.URL))
	if err != nil {
		return nil, fmt.Errorf("redis.url: %w", err)
	}
	ttl, err := config.ParseDurationOrDefault("redis.lock_ttl", cfg.Redis.LockTTL, dispatch.DefaultLockTTL)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(cfg.Redis.LockKey)
	if key == "" {
		key = dispatch.DefaultLockKey
	}
	return &lockConfig{opts: opts, key: key, ttl: ttl}, nil
}

// validate runs every mapping so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchTuning(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRedisConfig(cfg); err != nil {
		return err
	}
	return nil
}
