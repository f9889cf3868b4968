/*
Package config loads engine settings.

SOURCES (later wins):
  1. built-in defaults
  2. optional YAML file (--config)
  3. RECUR_* environment variables, e.g. RECUR_DATABASE_DRIVER=postgres
     for database.driver; a .env file in the working directory is loaded
     into the environment first and never overrides variables already set
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	RemindersEnabled bool          `mapstructure:"reminders_enabled"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type NotifyConfig struct {
	Channel  string         `mapstructure:"channel"` // log | telegram | email
	Telegram TelegramConfig `mapstructure:"telegram"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
}

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

const EnvPrefix = "RECUR"

var defaults = map[string]any{
	"http.port":                   8080,
	"database.driver":             "sqlite",
	"database.path":               "./data/recur.db",
	"database.url":                "",
	"scheduler.enabled":           true,
	"scheduler.check_interval":    "1h",
	"scheduler.reminders_enabled": true,
	"notify.channel":              "log",
	"notify.telegram.token":       "",
	"notify.telegram.chat_id":     0,
	"notify.smtp.host":            "",
	"notify.smtp.port":            587,
	"notify.smtp.username":        "",
	"notify.smtp.password":        "",
	"notify.smtp.from":            "",
	"notify.smtp.from_name":       "Billing",
}

// Load reads configuration. path may be empty; a named file that does not
// exist is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	switch c.Notify.Channel {
	case "log":
	case "telegram":
		if c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("notify.telegram.token and notify.telegram.chat_id are required")
		}
	case "email":
		if c.Notify.SMTP.Host == "" || c.Notify.SMTP.From == "" {
			return fmt.Errorf("notify.smtp.host and notify.smtp.from are required")
		}
	default:
		return fmt.Errorf("unknown notify.channel %q", c.Notify.Channel)
	}

	if c.Scheduler.Enabled && c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive")
	}
	return nil
}
