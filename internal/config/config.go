// Package config loads interlock settings from a YAML file and INTERLOCK_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/resilience"
	"github.com/mistakeknot/interlock/internal/storage/sqlstore"
)

// EnvPrefix prefixes every environment override, e.g. INTERLOCK_DATABASE_DSN.
const EnvPrefix = "INTERLOCK"

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects and tunes the backing store.
type DatabaseConfig struct {
	Driver             string        `mapstructure:"driver"`
	DSN                string        `mapstructure:"dsn"`
	IdleTxTimeout      time.Duration `mapstructure:"idle_tx_timeout"`
	BusyTimeout        time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
	Serializable       bool          `mapstructure:"serializable"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// RetryConfig controls reruns of aborted transactions.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

// BreakerConfig controls the circuit breaker around store operations.
type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultDSN is the SQLite database used when none is configured.
func DefaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "interlock.db"
	}
	return filepath.Join(home, ".interlock", "interlock.db")
}

func defaults() map[string]any {
	retry := resilience.DefaultRetryConfig()
	return map[string]any{
		"database.driver":               sqlstore.DriverSQLite,
		"database.dsn":                  DefaultDSN(),
		"database.idle_tx_timeout":      sqlstore.DefaultIdleTxTimeout.String(),
		"database.busy_timeout":         "5s",
		"database.max_open_conns":       10,
		"database.serializable":         false,
		"database.slow_query_threshold": "100ms",
		"retry.max_retries":             retry.MaxRetries,
		"retry.base_delay":              retry.BaseDelay.String(),
		"retry.jitter":                  retry.JitterPct,
		"breaker.threshold":             5,
		"breaker.reset_timeout":         "30s",
		"log.level":                     "info",
		"log.format":                    "json",
	}
}

// NewViper returns a viper instance with defaults, env overrides and, if
// path is set, the config file read in. With no path, INTERLOCK_CONFIG is
// consulted and then ./interlock.yaml and ~/.config/interlock/interlock.yaml;
// a missing default file is not an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("interlock")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "interlock"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the built-in settings without reading any file or
// environment variable.
func Default() Config {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	return c
}

// Load is NewViper followed by Decode.
func Load(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		return fmt.Errorf("database.driver: unsupported %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unsupported %q", c.Log.Format)
	}
	return nil
}

// StoreConfig converts the database section for sqlstore.New.
func (c Config) StoreConfig() sqlstore.Config {
	return sqlstore.Config{
		Driver:             c.Database.Driver,
		DSN:                c.Database.DSN,
		IdleTxTimeout:      c.Database.IdleTxTimeout,
		BusyTimeout:        c.Database.BusyTimeout,
		MaxOpenConns:       c.Database.MaxOpenConns,
		Serializable:       c.Database.Serializable,
		SlowQueryThreshold: c.Database.SlowQueryThreshold,
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		JitterPct:  c.Retry.Jitter,
	}
}

// WriteDefault writes a config file holding the defaults to path. An
// existing file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config path required")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %q already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	doc := map[string]map[string]any{}
	for k, val := range defaults() {
		section, key, _ := strings.Cut(k, ".")
		if doc[section] == nil {
			doc[section] = map[string]any{}
		}
		doc[section][key] = val
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
