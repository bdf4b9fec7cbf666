package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Bot intake modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables.
type Config struct {
	TelegramBotToken    string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramBotUsername string `mapstructure:"TELEGRAM_BOT_USERNAME"`
	ChannelURL          string `mapstructure:"CHANNEL_URL"`
	SiteBaseURL         string `mapstructure:"SITE_BASE_URL"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	BadgerDBPath  string `mapstructure:"BADGERDB_PATH"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`

	BotMode       string `mapstructure:"BOT_MODE"`
	HTTPAddr      string `mapstructure:"HTTP_ADDR"`
	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	APIToken      string `mapstructure:"API_TOKEN"`

	SeriesDelayHours   int           `mapstructure:"SERIES_DELAY_HOURS"`
	ReminderDelayHours int           `mapstructure:"REMINDER_DELAY_HOURS"`
	DeepLinkTTLDays    int           `mapstructure:"DEEPLINK_TTL_DAYS"`
	SweepInterval      time.Duration `mapstructure:"DEEPLINK_SWEEP_INTERVAL"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	DedupTTL time.Duration `mapstructure:"DEDUP_TTL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// SeriesDelay is the gap before the next step of a multi-day series.
func (c Config) SeriesDelay() time.Duration { return time.Duration(c.SeriesDelayHours) * time.Hour }

// ReminderDelay is the gap before a one-shot reminder.
func (c Config) ReminderDelay() time.Duration {
	return time.Duration(c.ReminderDelayHours) * time.Hour
}

// DeepLinkTTL is how long issued deep links stay resolvable.
func (c Config) DeepLinkTTL() time.Duration { return time.Duration(c.DeepLinkTTLDays) * 24 * time.Hour }

var defaults = map[string]any{
	"STORAGE_DRIVER":          DriverBadger,
	"BADGERDB_PATH":           "./badger_data",
	"SQLITE_PATH":             "./companion.db",
	"BOT_MODE":                ModePolling,
	"HTTP_ADDR":               ":8080",
	"SITE_BASE_URL":           "https://example.com",
	"SERIES_DELAY_HOURS":      24,
	"REMINDER_DELAY_HOURS":    24,
	"DEEPLINK_TTL_DAYS":       30,
	"DEEPLINK_SWEEP_INTERVAL": time.Hour,
	"DEDUP_TTL":               24 * time.Hour,
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
}

// bound lists keys that may come only from the environment; viper's
// Unmarshal ignores AutomaticEnv keys it has never heard of.
var bound = []string{
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_USERNAME", "CHANNEL_URL",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "API_TOKEN", "REDIS_URL",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range bound {
		if err := v.BindEnv(k); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: everything can come from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and enumerations.
func (c Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is not set")
	}
	switch c.StorageDriver {
	case DriverBadger, DriverSQLite:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.BotMode {
	case ModePolling:
	case ModeWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required in webhook mode")
		}
	default:
		return fmt.Errorf("unknown BOT_MODE %q", c.BotMode)
	}
	if c.SeriesDelayHours <= 0 || c.ReminderDelayHours <= 0 {
		return fmt.Errorf("SERIES_DELAY_HOURS and REMINDER_DELAY_HOURS must be positive")
	}
	if c.DeepLinkTTLDays <= 0 {
		return fmt.Errorf("DEEPLINK_TTL_DAYS must be positive")
	}
	return nil
}
