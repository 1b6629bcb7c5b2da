// Package config loads the agent's runtime settings from a config file and
// the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dontskiphq/dontskip/internal/monitor"
	"github.com/dontskiphq/dontskip/internal/remote"
	"github.com/dontskiphq/dontskip/pkg/credit"
	"github.com/spf13/viper"
)

const (
	envPrefix = "DONTSKIP"

	defaultDatabasePath      = "dontskip.db"
	defaultMaxDailyMinutes   = 480
	defaultGraceMinutes      = 30
	defaultBackendTimeoutSec = 5
)

// WorkoutRule overrides the payout for one workout category.
type WorkoutRule struct {
	MultiplierMinutes      int64 `mapstructure:"multiplier_minutes"`
	MinimumDurationMinutes int64 `mapstructure:"minimum_duration_minutes"`
}

// Config is the agent's full runtime configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`

	BackendURL        string `mapstructure:"backend_url"`
	BackendToken      string `mapstructure:"backend_token"`
	BackendTimeoutSec int    `mapstructure:"backend_timeout_seconds"`

	MaxDailyMinutes int64 `mapstructure:"max_daily_minutes"`
	GraceMinutes    int64 `mapstructure:"grace_minutes"`
	ExpiryDays      int   `mapstructure:"expiry_days"`

	ConsumeTickSeconds int `mapstructure:"consume_tick_seconds"`
	SyncFlushSeconds   int `mapstructure:"sync_flush_seconds"`
	LockoutPollSeconds int `mapstructure:"lockout_poll_seconds"`

	Workouts map[string]WorkoutRule `mapstructure:"workouts"`
}

// Load reads the configuration. The file is optional; environment variables
// with the DONTSKIP_ prefix override file values either way.
func Load(path string) (Config, error) {
	loader := viper.New()
	loader.SetEnvPrefix(envPrefix)
	loader.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	loader.AutomaticEnv()

	loader.SetDefault("database_url", defaultDatabasePath)
	loader.SetDefault("backend_url", "")
	loader.SetDefault("backend_token", "")
	loader.SetDefault("backend_timeout_seconds", defaultBackendTimeoutSec)
	loader.SetDefault("max_daily_minutes", defaultMaxDailyMinutes)
	loader.SetDefault("grace_minutes", defaultGraceMinutes)
	loader.SetDefault("expiry_days", 0)
	loader.SetDefault("consume_tick_seconds", 0)
	loader.SetDefault("sync_flush_seconds", 0)
	loader.SetDefault("lockout_poll_seconds", 0)

	if strings.TrimSpace(path) != "" {
		loader.SetConfigFile(path)
		if err := loader.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects nonsensical values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = defaultDatabasePath
	}
	if cfg.BackendTimeoutSec <= 0 {
		cfg.BackendTimeoutSec = defaultBackendTimeoutSec
	}
	if cfg.MaxDailyMinutes < 0 {
		return fmt.Errorf("max_daily_minutes must not be negative")
	}
	if cfg.MaxDailyMinutes == 0 {
		cfg.MaxDailyMinutes = defaultMaxDailyMinutes
	}
	if cfg.GraceMinutes <= 0 {
		cfg.GraceMinutes = defaultGraceMinutes
	}
	for category, rule := range cfg.Workouts {
		if rule.MultiplierMinutes <= 0 {
			return fmt.Errorf("workout %q: multiplier_minutes must be greater than zero", category)
		}
		if rule.MinimumDurationMinutes < 0 {
			return fmt.Errorf("workout %q: minimum_duration_minutes must not be negative", category)
		}
	}
	return nil
}

// ConversionRules merges the configured workout overrides over the stock
// payout table.
func (cfg *Config) ConversionRules() credit.ConversionRules {
	rules := credit.DefaultConversionRules()
	if cfg.ExpiryDays > 0 {
		rules.ExpiryDays = cfg.ExpiryDays
	}
	for category, override := range cfg.Workouts {
		rules.Categories[credit.WorkoutCategory(strings.ToLower(category))] = credit.CategoryRule{
			MultiplierMinutes:      credit.Minutes(override.MultiplierMinutes),
			MinimumDurationMinutes: credit.Minutes(override.MinimumDurationMinutes),
		}
	}
	return rules
}

// RemoteConfig builds the backend client settings.
func (cfg *Config) RemoteConfig() remote.Config {
	return remote.Config{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
		Timeout: time.Duration(cfg.BackendTimeoutSec) * time.Second,
	}
}

// Intervals builds the scheduler cadences; zero values fall back to the stock
// cadences inside the scheduler.
func (cfg *Config) Intervals() monitor.Intervals {
	return monitor.Intervals{
		ConsumeTick: time.Duration(cfg.ConsumeTickSeconds) * time.Second,
		SyncFlush:   time.Duration(cfg.SyncFlushSeconds) * time.Second,
		LockoutPoll: time.Duration(cfg.LockoutPollSeconds) * time.Second,
	}
}
