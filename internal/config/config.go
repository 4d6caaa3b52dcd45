// Package config loads the broker's tunables from a YAML file plus
// environment overrides, the same viper-based layering the rest of
// this codebase uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the broker needs to start.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the admin HTTP API's listen settings.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig controls the logging package's Init.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrokerConfig carries the broker's design constants in seconds or
// milliseconds, the same convention ShutdownTimeout above uses;
// duration conversions happen in the helper methods below.
type BrokerConfig struct {
	MaxErrorCount              int    `mapstructure:"max_error_count"`
	MaxProbeAttempts           int    `mapstructure:"max_probe_attempts"`
	CheckIntervalSeconds       int    `mapstructure:"check_interval_seconds"`
	SweepIntervalMillis        int    `mapstructure:"sweep_interval_millis"`
	LeaseExecutionDeadlineSecs int    `mapstructure:"lease_execution_deadline_seconds"`
	AcquireDefaultTimeoutSecs  int    `mapstructure:"acquire_default_timeout_seconds"`
	ProbeURL                   string `mapstructure:"probe_url"`
}

// CheckInterval returns the checker loop's tick interval.
func (b BrokerConfig) CheckInterval() time.Duration {
	return time.Duration(b.CheckIntervalSeconds) * time.Second
}

// SweepInterval returns the pool sweeper's tick interval.
func (b BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalMillis) * time.Millisecond
}

// LeaseExecutionDeadline returns the default per-lease deadline.
func (b BrokerConfig) LeaseExecutionDeadline() time.Duration {
	return time.Duration(b.LeaseExecutionDeadlineSecs) * time.Second
}

// AcquireDefaultTimeout returns the default AcquireLease wait bound.
func (b BrokerConfig) AcquireDefaultTimeout() time.Duration {
	return time.Duration(b.AcquireDefaultTimeoutSecs) * time.Second
}

// defaults mirrors the design constants so a broker started with no
// config file at all still behaves sanely.
func defaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", false)
	v.SetDefault("broker.max_error_count", 50)
	v.SetDefault("broker.max_probe_attempts", 3)
	v.SetDefault("broker.check_interval_seconds", 1000)
	v.SetDefault("broker.sweep_interval_millis", 500)
	v.SetDefault("broker.lease_execution_deadline_seconds", 20)
	v.SetDefault("broker.acquire_default_timeout_seconds", 100)
	v.SetDefault("broker.probe_url", "https://example.com")
}

// Load reads configPath (or ./config.yaml / ./config/config.yaml when
// empty), applies environment overrides under the BROKER_ prefix, and
// unmarshals into Config. A missing config file is not an error: the
// defaults above still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	defaults(v)

	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
