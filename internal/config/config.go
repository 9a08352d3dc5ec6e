// Package config loads process-level settings for the listener and dispatch
// binaries from environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. JOBS_STORE_ROOT.
const EnvPrefix = "JOBS"

// Config holds all process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Contexts ContextsConfig `mapstructure:"contexts" validate:"required"`
	Listener ListenerConfig `mapstructure:"listener" validate:"required"`
	Reaper   ReaperConfig   `mapstructure:"reaper" validate:"required"`
	Script   ScriptConfig   `mapstructure:"script" validate:"required"`
}

// ServerConfig contains logging settings.
type ServerConfig struct {
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=json text"`
}

// StoreConfig locates the file driver's root directory.
type StoreConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

// ContextsConfig locates context directories holding jobs.json documents.
type ContextsConfig struct {
	Root string `mapstructure:"root" validate:"required"`
	// Global is a directory whose for-all-projects configurations apply to every context.
	Global string `mapstructure:"global"`
}

// ListenerConfig selects what the listener process polls.
type ListenerConfig struct {
	Context          string `mapstructure:"context" validate:"required"`
	ConfigID         string `mapstructure:"config_id"`
	SleepMS          int    `mapstructure:"sleep_ms" validate:"gt=0"`
	ReplayOnComplete bool   `mapstructure:"replay_on_complete"`
}

// ReaperConfig controls the stale-claim sweep.
type ReaperConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds" validate:"gte=0"`
	StaleAfterSeconds int `mapstructure:"stale_after_seconds" validate:"gt=0"`
}

// ScriptConfig configures the command-backed script host.
type ScriptConfig struct {
	Interpreter    string `mapstructure:"interpreter" validate:"required"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

// SleepInterval is the listener's inter-cycle pause.
func (c ListenerConfig) SleepInterval() time.Duration {
	return time.Duration(c.SleepMS) * time.Millisecond
}

// Interval is how often the reaper runs; zero disables it.
func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleAfter is the claim age after which the reaper releases a task.
func (c ReaperConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// Timeout bounds a single script invocation.
func (c ScriptConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("store.root", ".")
	v.SetDefault("contexts.root", ".")
	v.SetDefault("contexts.global", "")
	v.SetDefault("listener.context", "default")
	v.SetDefault("listener.config_id", "")
	v.SetDefault("listener.sleep_ms", 5000)
	v.SetDefault("listener.replay_on_complete", false)
	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.stale_after_seconds", 600)
	v.SetDefault("script.interpreter", "sh")
	v.SetDefault("script.timeout_seconds", 30)
}

// Load reads configuration from an optional config.yaml (current directory or
// /etc/jobs) and JOBS_* environment variables, which take precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/jobs")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
