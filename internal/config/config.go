// Package config loads the service configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"deus/db/clickhouse"
	"deus/internal/intensity"
	"deus/pkg/platform"
	"deus/pkg/units"
)

// Config is the complete service configuration.
type Config struct {
	Workers   int    `yaml:"workers"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Intensity IntensityConfig `yaml:"intensity"`
	Fragility string          `yaml:"fragility"`
	Loss      LossConfig      `yaml:"loss"`
	Mapping   MappingConfig   `yaml:"mapping"`

	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Server     ServerConfig     `yaml:"server"`
}

// IntensityConfig declares the intensity layers and measure aliases.
type IntensityConfig struct {
	Sources []intensity.SourceSpec `yaml:"sources"`
	Aliases map[string][]string    `yaml:"aliases"`
}

// LossConfig points at loss data files. Postgres loss rates are used when no files are given
// and a DSN is configured.
type LossConfig struct {
	Currency string   `yaml:"currency"`
	Files    []string `yaml:"files"`
}

// MappingConfig points at directories of schema conversion files.
type MappingConfig struct {
	TaxonomyDir    string            `yaml:"taxonomy_dir"`
	DamageStateDir string            `yaml:"damage_state_dir"`
	Aliases        map[string]string `yaml:"aliases"`
}

// ClickHouseConfig configures the run store. Disabled unless Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PostgresConfig configures the loss rate database.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	APIKey       string        `yaml:"api_key"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultAliases derive spectral accelerations from PGA and inundation depth from wave height.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		units.MeasureSA01:       {units.MeasurePGA},
		units.MeasureSA03:       {units.MeasurePGA},
		units.MeasureInundation: {units.MeasureMWH, units.MeasureInunMeanPoly},
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	ch := clickhouse.DefaultConfig()
	return &Config{
		Workers:   4,
		LogLevel:  "info",
		LogFormat: "console",
		Intensity: IntensityConfig{
			Aliases: DefaultAliases(),
		},
		Loss: LossConfig{
			Currency: units.DefaultCurrency,
		},
		ClickHouse: ClickHouseConfig{
			Host:     ch.Host,
			Port:     ch.Port,
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
		},
		Server: ServerConfig{
			Port:         8080,
			MaxBodyBytes: 32 << 20,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides settings from DEUS_* and CLICKHOUSE_* environment variables.
// Unparsable numeric or boolean values are reported, not ignored.
func (c *Config) ApplyEnv() error {
	var errs []error
	envInt := func(key string, dst *int) {
		v, err := platform.EnvInt(key, *dst)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}

	envInt("DEUS_WORKERS", &c.Workers)
	c.LogLevel = platform.GetEnv("DEUS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = platform.GetEnv("DEUS_LOG_FORMAT", c.LogFormat)
	c.Loss.Currency = platform.GetEnv("DEUS_CURRENCY", c.Loss.Currency)

	enabled, err := platform.EnvBool("CLICKHOUSE_ENABLED", c.ClickHouse.Enabled)
	if err != nil {
		errs = append(errs, err)
	}
	c.ClickHouse.Enabled = enabled
	c.ClickHouse.Host = platform.GetEnv("CLICKHOUSE_HOST", c.ClickHouse.Host)
	envInt("CLICKHOUSE_PORT", &c.ClickHouse.Port)
	c.ClickHouse.Database = platform.GetEnv("CLICKHOUSE_DATABASE", c.ClickHouse.Database)
	c.ClickHouse.Username = platform.GetEnv("CLICKHOUSE_USER", c.ClickHouse.Username)
	c.ClickHouse.Password = platform.GetEnv("CLICKHOUSE_PASSWORD", c.ClickHouse.Password)

	c.Postgres.DSN = platform.GetEnv("DEUS_POSTGRES_DSN", c.Postgres.DSN)

	envInt("DEUS_PORT", &c.Server.Port)
	c.Server.APIKey = platform.GetEnv("DEUS_API_KEY", c.Server.APIKey)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Loss.Currency == "" {
		return fmt.Errorf("loss currency must not be empty")
	}
	for i, src := range c.Intensity.Sources {
		if src.Path == "" {
			return fmt.Errorf("intensity source %d has no path", i)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// StoreConfig converts the ClickHouse section into the store configuration.
func (c *Config) StoreConfig() *clickhouse.Config {
	return &clickhouse.Config{
		Host:     c.ClickHouse.Host,
		Port:     c.ClickHouse.Port,
		Database: c.ClickHouse.Database,
		Username: c.ClickHouse.Username,
		Password: c.ClickHouse.Password,
	}
}
