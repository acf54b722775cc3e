// Package config provides centralized configuration management for headroom.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the XDG config and data directories.
	AppName = "headroom"

	// EnvPrefix prefixes every environment override (HEADROOM_GOVERNOR_THRESHOLD).
	EnvPrefix = "HEADROOM"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers every configuration key with its default value.
//
// Registering all keys also lets AutomaticEnv resolve environment overrides
// for keys that do not appear in the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("ailink.base_url", "https://api.openai.com/v1")
	v.SetDefault("ailink.api_key", "")
	v.SetDefault("ailink.model", "gpt-4o-mini")
	v.SetDefault("ailink.timeout", "60s")

	v.SetDefault("governor.threshold", 0.01)
	v.SetDefault("governor.fallback_wait", "60s")
	v.SetDefault("governor.mode", GovernorModePerWorker)

	v.SetDefault("retry.max_attempts", 6)
	v.SetDefault("retry.max_delay", "70s")

	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.rps", 0)

	v.SetDefault("journal.enabled", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// BindEnv wires HEADROOM_* environment variables into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the settings held by v into a validated Config and makes it
// the current configuration.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.AILink.APIKey) == "" {
		cfg.AILink.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.Governor.Mode = strings.ToLower(strings.TrimSpace(cfg.Governor.Mode))
	if cfg.Governor.Mode == "" {
		cfg.Governor.Mode = GovernorModePerWorker
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Governor.Threshold <= 0 || c.Governor.Threshold >= 1 {
		return fmt.Errorf("governor.threshold must be between 0 and 1 (exclusive), got %v", c.Governor.Threshold)
	}
	if c.Governor.FallbackWait < 0 {
		return fmt.Errorf("governor.fallback_wait must not be negative")
	}
	switch c.Governor.Mode {
	case GovernorModePerWorker, GovernorModeShared:
	default:
		return fmt.Errorf("governor.mode must be %q or %q, got %q", GovernorModePerWorker, GovernorModeShared, c.Governor.Mode)
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1")
	}
	if c.Batch.RPS < 0 {
		return fmt.Errorf("batch.rps must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the journal database.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
