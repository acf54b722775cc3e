package config

import (
	"time"

	"github.com/namelens/headroom/internal/ailink"
)

// Config represents the complete application configuration.
//
// Values are layered: built-in defaults, the YAML config file
// ($XDG_CONFIG_HOME/headroom/config.yaml), .env, HEADROOM_* environment
// variables, then command flags.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	AILink   ailink.Config  `mapstructure:"ailink"`
	Governor GovernorConfig `mapstructure:"governor"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration for the governed proxy.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// Governor modes.
const (
	GovernorModePerWorker = "per-worker"
	GovernorModeShared    = "shared"
)

// GovernorConfig tunes the rate governor.
type GovernorConfig struct {
	// Threshold is the remaining fraction at or below which a dimension
	// counts as exhausted.
	Threshold float64 `mapstructure:"threshold"`

	// FallbackWait is used when an exhausted dimension's reset is malformed.
	FallbackWait time.Duration `mapstructure:"fallback_wait"`

	// Mode is "per-worker" (one governor per worker) or "shared".
	Mode string `mapstructure:"mode"`
}

// RetryConfig tunes the error-driven retry layer.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BatchConfig contains batch runner defaults.
type BatchConfig struct {
	Workers int     `mapstructure:"workers"`
	RPS     float64 `mapstructure:"rps"`
}

// JournalConfig controls the governor event journal.
type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}
