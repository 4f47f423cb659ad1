package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crmnotify/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log attrs
// describing the new values. Secrets are reported only as "_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		!reflect.DeepEqual(oh.AllowedOrigins, nh.AllowedOrigins) ||
		oh.ReadTimeout != nh.ReadTimeout ||
		oh.WriteTimeout != nh.WriteTimeout ||
		oh.IdleTimeout != nh.IdleTimeout ||
		oh.ShutdownTimeout != nh.ShutdownTimeout ||
		oh.CronSecret != nh.CronSecret ||
		oh.Pprof != nh.Pprof {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Int("http.allowed_origins", len(nh.AllowedOrigins)),
			logx.Bool("http.cron_secret_set", isSet(nh.CronSecret)),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	ost, ns := oldCfg.Storage, newCfg.Storage
	if ost.DriverName() != ns.DriverName() ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(ns.Path) ||
		ost.DSN != ns.DSN ||
		ost.BusyTimeout != ns.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.DriverName()),
			logx.Bool("storage.path_set", isSet(ns.Path)),
			logx.Bool("storage.dsn_set", isSet(ns.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.lookback", newCfg.Dispatch.Lookback),
			logx.String("dispatch.channel_timeout", newCfg.Dispatch.ChannelTimeout),
			logx.String("dispatch.default_timezone", newCfg.Dispatch.DefaultTimezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		nc := newCfg.Channels
		attrs = append(attrs,
			logx.String("channels.email.mode", nc.Email.Mode),
			logx.Bool("channels.email.password_set", isSet(nc.Email.Password)),
			logx.Bool("channels.telegram.api_url_set", isSet(nc.Telegram.APIURL)),
			logx.Int("channels.telegram.rate_per_sec", nc.Telegram.RatePerSec),
			logx.Bool("channels.webhook.url_locked", isSet(nc.Webhook.URL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
		if newCfg.Redis != nil {
			attrs = append(attrs, logx.String("redis.lock_ttl", newCfg.Redis.LockTTL))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
