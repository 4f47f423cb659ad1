package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that take precedence over the config file.
const (
	EnvCronSecret  = "CRON_SECRET"
	EnvWebhookURL  = "NOTIFY_WEBHOOK_URL"
	EnvDatabaseURL = "DATABASE_URL"
	EnvTelegramAPI = "TELEGRAM_API_URL"
	EnvRedisURL    = "REDIS_URL"
)

// LoadDotEnv reads .env style files into the process environment.
// Missing files are ignored; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
// getenv defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvCronSecret)); v != "" {
		cfg.HTTP.CronSecret = v
	}
	if v := strings.TrimSpace(getenv(EnvWebhookURL)); v != "" {
		cfg.Channels.Webhook.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseURL)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramAPI)); v != "" {
		cfg.Channels.Telegram.APIURL = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisURL)); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.URL = v
	}
}
