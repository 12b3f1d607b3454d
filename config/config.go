// Package config loads process configuration for the agreement service.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, a .env file in the working directory and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete process configuration.
type Config struct {
	DatabaseURL string          `yaml:"database_url" validate:"required"`
	HTTP        HTTPConfig      `yaml:"http"`
	Auth        AuthConfig      `yaml:"auth"`
	Portal      PortalConfig    `yaml:"portal"`
	Agreement   AgreementConfig `yaml:"agreement"`
	Render      ServiceConfig   `yaml:"render"`
	Signature   ServiceConfig   `yaml:"signature"`
	Mail        ServiceConfig   `yaml:"mail"`
	Redis       RedisConfig     `yaml:"redis"`
	Log         LogConfig       `yaml:"log"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required,min=16"`
}

// PortalConfig controls the bearer links handed to students.
type PortalConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

type AgreementConfig struct {
	// DefaultCoordinatorPartnerID seeds the coordinator setting when the
	// settings table has none. Zero means unset.
	DefaultCoordinatorPartnerID int64  `yaml:"default_coordinator_partner_id" validate:"gte=0"`
	DocumentTemplate            string `yaml:"document_template"`
}

// ServiceConfig addresses one external HTTP collaborator.
type ServiceConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether the collaborator is configured.
func (s ServiceConfig) Enabled() bool {
	return s.URL != ""
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type ReconcileConfig struct {
	Enabled          bool          `yaml:"enabled"`
	OverdueDays      int           `yaml:"overdue_days" validate:"gte=1"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	CallsPerSecond   float64       `yaml:"calls_per_second" validate:"gte=0"`
}

// Default returns the configuration used before any file or environment
// value is applied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Portal: PortalConfig{BaseURL: "http://localhost:8080"},
		Agreement: AgreementConfig{
			DocumentTemplate: "learning_agreement.contract",
		},
		Render:    ServiceConfig{Timeout: 60 * time.Second},
		Signature: ServiceConfig{Timeout: 30 * time.Second},
		Mail:      ServiceConfig{Timeout: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "json"},
		Reconcile: ReconcileConfig{
			Enabled:          true,
			OverdueDays:      7,
			ReminderInterval: 24 * time.Hour,
			SyncInterval:     15 * time.Minute,
			CallsPerSecond:   5,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults, .env and the environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.HTTP.Addr = getenvDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Auth.JWTSecret = getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Portal.BaseURL = getenvDefault("PORTAL_BASE_URL", cfg.Portal.BaseURL)
	cfg.Agreement.DocumentTemplate = getenvDefault("DOCUMENT_TEMPLATE", cfg.Agreement.DocumentTemplate)
	cfg.Render.URL = getenvDefault("RENDER_URL", cfg.Render.URL)
	cfg.Signature.URL = getenvDefault("SIGNATURE_URL", cfg.Signature.URL)
	cfg.Signature.Token = getenvDefault("SIGNATURE_TOKEN", cfg.Signature.Token)
	cfg.Mail.URL = getenvDefault("MAIL_URL", cfg.Mail.URL)
	cfg.Mail.Token = getenvDefault("MAIL_TOKEN", cfg.Mail.Token)
	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)

	var err error
	if cfg.Agreement.DefaultCoordinatorPartnerID, err = getenvInt64("DEFAULT_COORDINATOR_PARTNER_ID", cfg.Agreement.DefaultCoordinatorPartnerID); err != nil {
		return err
	}
	overdue, err := getenvInt64("REMINDER_OVERDUE_DAYS", int64(cfg.Reconcile.OverdueDays))
	if err != nil {
		return err
	}
	cfg.Reconcile.OverdueDays = int(overdue)
	if cfg.Reconcile.SyncInterval, err = getenvDuration("SYNC_INTERVAL", cfg.Reconcile.SyncInterval); err != nil {
		return err
	}
	if cfg.Reconcile.ReminderInterval, err = getenvDuration("REMINDER_INTERVAL", cfg.Reconcile.ReminderInterval); err != nil {
		return err
	}
	if v := os.Getenv("RECONCILE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: RECONCILE_ENABLED: %w", err)
		}
		cfg.Reconcile.Enabled = enabled
	}
	return nil
}

// OverdueAfter is the age of a signature request that triggers a reminder.
func (c ReconcileConfig) OverdueAfter() time.Duration {
	return time.Duration(c.OverdueDays) * 24 * time.Hour
}

// DefaultCoordinator returns the configured coordinator or nil.
func (c AgreementConfig) DefaultCoordinator() *int64 {
	if c.DefaultCoordinatorPartnerID <= 0 {
		return nil
	}
	id := c.DefaultCoordinatorPartnerID
	return &id
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
