package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig
	Aggregator AggregatorConfig
	Sync       SyncConfig
	Retry      RetryConfig
	Log        LogConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// AggregatorConfig holds settings for the bank-data aggregator adapter.
type AggregatorConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APITimeoutMs int    `mapstructure:"api_timeout_ms"`
}

// SyncConfig holds engine tuning knobs.
type SyncConfig struct {
	TransactionWindowDays     int     `mapstructure:"transaction_window_days"`
	StalenessMinutes          int     `mapstructure:"staleness_minutes"`
	Concurrency               int     `mapstructure:"concurrency"`
	BackgroundIntervalMinutes int     `mapstructure:"background_interval_minutes"`
	DeactivationGraceMinutes  int     `mapstructure:"deactivation_grace_minutes"`
	RateLimitCooldownMinutes  int     `mapstructure:"rate_limit_cooldown_minutes"`
	DuplicateSimilarityFloor  float64 `mapstructure:"duplicate_similarity_floor"`
	ReviewRetentionDays       int     `mapstructure:"review_retention_days"`
}

// RetryConfig holds backoff settings for aggregator calls.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	Multiplier     float64 `mapstructure:"multiplier"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	Jitter         float64 `mapstructure:"jitter"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// TransactionWindow returns the trailing window synced on each pass.
func (s SyncConfig) TransactionWindow() time.Duration {
	return time.Duration(s.TransactionWindowDays) * 24 * time.Hour
}

// Staleness returns the minimum age before an account is eligible for
// incremental resync.
func (s SyncConfig) Staleness() time.Duration {
	return time.Duration(s.StalenessMinutes) * time.Minute
}

// BackgroundInterval returns the periodic background sync cadence.
func (s SyncConfig) BackgroundInterval() time.Duration {
	return time.Duration(s.BackgroundIntervalMinutes) * time.Minute
}

// DeactivationGrace returns the window during which a local deactivation is
// treated as authoritative over the aggregator's view.
func (s SyncConfig) DeactivationGrace() time.Duration {
	return time.Duration(s.DeactivationGraceMinutes) * time.Minute
}

// RateLimitCooldown returns how far a rate-limited user's next sync window
// is pushed out.
func (s SyncConfig) RateLimitCooldown() time.Duration {
	return time.Duration(s.RateLimitCooldownMinutes) * time.Minute
}

// ReviewRetention returns how long resolved manual reviews are kept.
func (s SyncConfig) ReviewRetention() time.Duration {
	return time.Duration(s.ReviewRetentionDays) * 24 * time.Hour
}

// InitialDelay returns the first backoff delay.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// APITimeout returns the per-request aggregator timeout.
func (a AggregatorConfig) APITimeout() time.Duration {
	return time.Duration(a.APITimeoutMs) * time.Millisecond
}

// Load reads configuration from file and env. Env var overrides use prefix JASKSYNC_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "jasksync", "jasksync.db"))
	v.SetDefault("aggregator.base_url", "https://aggregator.local")
	v.SetDefault("aggregator.api_timeout_ms", 15000)
	v.SetDefault("sync.transaction_window_days", 30)
	v.SetDefault("sync.staleness_minutes", 15)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.background_interval_minutes", 60)
	v.SetDefault("sync.deactivation_grace_minutes", 60)
	v.SetDefault("sync.rate_limit_cooldown_minutes", 30)
	v.SetDefault("sync.duplicate_similarity_floor", 0.4)
	v.SetDefault("sync.review_retention_days", 90)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 500)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_ms", 10000)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("log.level", "info")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("JASKSYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "jasksync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("JASKSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
