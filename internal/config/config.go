// Package config loads service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string          `yaml:"env" env:"BILLING_ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Portal    PortalConfig    `yaml:"portal"`
	NATS      NATSConfig      `yaml:"nats"`
}

type HTTPConfig struct {
	Port            int           `yaml:"port" env:"BILLING_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"BILLING_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"BILLING_WRITE_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"BILLING_SHUTDOWN_TIMEOUT" env-default:"30s"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"BILLING_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"BILLING_DB" env-default:"./data/billing.db"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"BILLING_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"BILLING_LOG_FORMAT" env-default:"json"`
}

// SchedulerConfig drives the background sweep and statement jobs.
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled" env:"BILLING_SCHEDULER_ENABLED" env-default:"true"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"BILLING_SWEEP_INTERVAL" env-default:"24h"`
	StatementsEnabled  bool          `yaml:"statements_enabled" env:"BILLING_STATEMENTS_ENABLED" env-default:"true"`
	StatementsInterval time.Duration `yaml:"statements_interval" env:"BILLING_STATEMENTS_INTERVAL" env-default:"168h"`
}

// PortalConfig controls what customers see.
type PortalConfig struct {
	// VisibilityCutoff is a YYYY-MM-DD date. Items approved after it are
	// hidden from the portal. Empty disables the cutoff.
	VisibilityCutoff string `yaml:"visibility_cutoff" env:"BILLING_VISIBILITY_CUTOFF"`
}

// NATSConfig enables over-budget publishing when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url" env:"BILLING_NATS_URL"`
	Subject string `yaml:"subject" env:"BILLING_NATS_SUBJECT" env-default:"billing.project.over_budget"`
}

// Load reads the YAML file at path, then applies environment overrides.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values cleanenv cannot.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Scheduler.Enabled && c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}
	if c.Scheduler.StatementsEnabled && c.Scheduler.StatementsInterval <= 0 {
		return fmt.Errorf("scheduler.statements_interval must be positive")
	}
	if _, err := c.Portal.Cutoff(); err != nil {
		return err
	}
	return nil
}

// Cutoff parses VisibilityCutoff as the end of that day in UTC.
// It returns nil when no cutoff is configured.
func (p PortalConfig) Cutoff() (*time.Time, error) {
	if p.VisibilityCutoff == "" {
		return nil, nil
	}
	day, err := time.Parse("2006-01-02", p.VisibilityCutoff)
	if err != nil {
		return nil, fmt.Errorf("portal.visibility_cutoff: %w", err)
	}
	end := day.Add(24*time.Hour - time.Second)
	return &end, nil
}

// Addr is the listen address for the HTTP server.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", h.Port)
}
