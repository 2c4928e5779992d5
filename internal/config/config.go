// Package config loads service configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/notifications/email"
	"github.com/bissquit/salon-notify/internal/notifications/inapp"
	"github.com/bissquit/salon-notify/internal/notifications/twilio"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: NOTIFYD_NOTIFICATIONS__WORKER__BATCH_SIZE.
const EnvPrefix = "NOTIFYD_"

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	CORS          CORSConfig          `koanf:"cors"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig holds Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL             string `koanf:"url"`
	ConnectAttempts int    `koanf:"connect_attempts"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig holds bearer token settings.
type JWTConfig struct {
	SecretKey           string        `koanf:"secret_key"`
	AccessTokenDuration time.Duration `koanf:"access_token_duration"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// NotificationsConfig holds delivery engine settings.
type NotificationsConfig struct {
	// Enabled starts the background worker. When false, entries are
	// only delivered through the manual process endpoint.
	Enabled           bool            `koanf:"enabled"`
	PlatformName      string          `koanf:"platform_name"`
	DefaultLocale     string          `koanf:"default_locale"`
	Timezone          string          `koanf:"timezone"`
	RespectQuietHours bool            `koanf:"respect_quiet_hours"`
	MaxRetries        int             `koanf:"max_retries"`
	Worker            WorkerConfig    `koanf:"worker"`
	Retention         RetentionConfig `koanf:"retention"`
	Email             email.Config    `koanf:"email"`
	Twilio            twilio.Config   `koanf:"twilio"`
	InApp             inapp.Config    `koanf:"in_app"`
}

// WorkerConfig holds queue worker settings.
type WorkerConfig struct {
	BatchSize            int           `koanf:"batch_size"`
	PollInterval         time.Duration `koanf:"poll_interval"`
	Concurrency          int           `koanf:"concurrency"`
	SendTimeout          time.Duration `koanf:"send_timeout"`
	ClaimLease           time.Duration `koanf:"claim_lease"`
	QueueMetricsInterval time.Duration `koanf:"queue_metrics_interval"`
}

// RetentionConfig holds log and queue retention settings.
type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Schedule string `koanf:"schedule"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			ConnectAttempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			AccessTokenDuration: 15 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Enabled:       true,
			PlatformName:  "Salon",
			DefaultLocale: "en",
			Timezone:      "UTC",
			MaxRetries:    3,
			Worker: WorkerConfig{
				BatchSize:            100,
				PollInterval:         5 * time.Second,
				Concurrency:          10,
				SendTimeout:          30 * time.Second,
				ClaimLease:           5 * time.Minute,
				QueueMetricsInterval: 15 * time.Second,
			},
			Retention: RetentionConfig{
				Days:     90,
				Schedule: "@daily",
			},
			Email: email.Config{
				Transport: email.TransportLog,
				SMTPPort:  587,
			},
			Twilio: twilio.Config{
				RateLimit: 10,
			},
			InApp: inapp.Config{
				KeyPrefix: "salonnotify:inapp",
				MaxItems:  100,
			},
		},
	}
}

// Load reads path (optional) and environment overrides on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKey maps NOTIFYD_A__B_C to a.b_c.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverMemory))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}

	n := c.Notifications
	if n.MaxRetries < 1 {
		errs = append(errs, errors.New("notifications.max_retries must be at least 1"))
	}
	if n.DefaultLocale == "" {
		errs = append(errs, errors.New("notifications.default_locale is required"))
	}
	if _, err := time.LoadLocation(n.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("notifications.timezone: %w", err))
	}
	if n.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("notifications.worker.batch_size must be positive"))
	}
	if n.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("notifications.worker.concurrency must be positive"))
	}
	if n.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("notifications.worker.poll_interval must be positive"))
	}
	if n.Worker.SendTimeout <= 0 {
		errs = append(errs, errors.New("notifications.worker.send_timeout must be positive"))
	}
	if n.Retention.Days < 0 {
		errs = append(errs, errors.New("notifications.retention.days must not be negative"))
	}
	if n.InApp.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when notifications.in_app is enabled"))
	}

	return errors.Join(errs...)
}

// Location returns the configured notifications timezone, UTC on error.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Notifications.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
