package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the fields that can be checked without touching the network.
// Schedule syntax is checked by the scheduler package.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"dispatch.lookback", cfg.Dispatch.Lookback},
		{"dispatch.channel_timeout", cfg.Dispatch.ChannelTimeout},
		{"scheduler.timeout", cfg.Scheduler.Timeout},
	}
	if cfg.Redis != nil {
		durations = append(durations, struct{ path, raw string }{"redis.lock_ttl", cfg.Redis.LockTTL})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch cfg.Storage.DriverName() {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	for _, tz := range []struct{ path, name string }{
		{"dispatch.default_timezone", cfg.Dispatch.DefaultTimezone},
		{"scheduler.timezone", cfg.Scheduler.Timezone},
	} {
		if strings.TrimSpace(tz.name) == "" {
			continue
		}
		if _, err := time.LoadLocation(strings.TrimSpace(tz.name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tz.path, err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Channels.Email.Mode)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Channels.Email.Host) == "" || strings.TrimSpace(cfg.Channels.Email.From) == "" {
			errs = append(errs, errors.New("channels.email: smtp mode needs host and from"))
		}
	default:
		errs = append(errs, fmt.Errorf("channels.email.mode: unsupported %q", cfg.Channels.Email.Mode))
	}

	if raw := strings.TrimSpace(cfg.Channels.Telegram.APIURL); raw != "" {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("channels.telegram.api_url: invalid %q", raw))
		}
	}
	if cfg.Channels.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("channels.telegram.rate_per_sec: must be >= 0"))
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url: required when redis is configured"))
	}

	return errors.Join(errs...)
}
