// Package config provides configuration types, defaults, and viper wiring
// for the orchestrator's runtime knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	viperlib "github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/workflowcore/internal/log"
)

// RetryConfig holds the default retry policy applied to a failed workflow
// stage absent a per-workflow override.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

// OrchestratorConfig holds the knobs that govern admission and supervision.
type OrchestratorConfig struct {
	// MaxConcurrent caps the number of workflows actively running at once.
	// 0 means unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	Retry RetryConfig `mapstructure:"retry"`
}

// WatchdogConfig holds the knobs for the health watchdog's periodic
// filesystem liveness check.
type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// TracingConfig holds export destination and sampling settings for the
// OpenTelemetry provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "none", "file", "stdout", "otlp"
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds every configuration option for the orchestration core.
type Config struct {
	DBPath       string             `mapstructure:"db_path"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// DefaultDBPath returns ~/.workflowcore/workflows.db, or "" if the home
// directory can't be resolved.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".workflowcore", "workflows.db")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DBPath: DefaultDBPath(),
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: 4,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				MaxDelay:    60 * time.Second,
				Multiplier:  2.0,
			},
		},
		Watchdog: WatchdogConfig{
			Interval: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// Validate checks the full configuration for errors.
func Validate(cfg Config) error {
	if cfg.Orchestrator.MaxConcurrent < 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be >= 0, got %d", cfg.Orchestrator.MaxConcurrent)
	}
	if cfg.Orchestrator.Retry.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.retry.max_attempts must be >= 1, got %d", cfg.Orchestrator.Retry.MaxAttempts)
	}
	if cfg.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be > 0, got %v", cfg.Watchdog.Interval)
	}
	return ValidateTracing(cfg.Tracing)
}

// Load reads configuration from configFile (or the default search path when
// empty), seeding viper defaults from Defaults() first so an absent or
// partial config file still yields a fully populated Config. A missing
// config file is tolerated: Load falls through to the in-memory defaults
// rather than failing. Each call uses its own viper instance (with "::" as key
// delimiter, so a future dotted map key can't be mistaken for a nested
// path) rather than a shared package global, so concurrent or repeated
// loads never interfere with each other.
func Load(configFile string) (Config, error) {
	viper := viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))
	defaults := Defaults()
	setDefaults(viper, defaults)

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "workflowcore"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Search-path misses surface as ConfigFileNotFoundError; an explicit
		// --config path that doesn't exist surfaces as a plain PathError.
		var notFound viperlib.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		log.Info(log.CatConfig, "no config file found, using defaults")
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
// Durations are rendered in their string form ("2s", "1m30s") so the file
// stays hand-editable and Load parses them back.
func Save(cfg Config, path string) error {
	doc := map[string]any{
		"db_path": cfg.DBPath,
		"orchestrator": map[string]any{
			"max_concurrent": cfg.Orchestrator.MaxConcurrent,
			"retry": map[string]any{
				"max_attempts": cfg.Orchestrator.Retry.MaxAttempts,
				"base_delay":   cfg.Orchestrator.Retry.BaseDelay.String(),
				"max_delay":    cfg.Orchestrator.Retry.MaxDelay.String(),
				"multiplier":   cfg.Orchestrator.Retry.Multiplier,
			},
		},
		"watchdog": map[string]any{
			"interval": cfg.Watchdog.Interval.String(),
		},
		"tracing": map[string]any{
			"enabled":       cfg.Tracing.Enabled,
			"exporter":      cfg.Tracing.Exporter,
			"file_path":     cfg.Tracing.FilePath,
			"otlp_endpoint": cfg.Tracing.OTLPEndpoint,
			"sample_rate":   cfg.Tracing.SampleRate,
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func setDefaults(v *viperlib.Viper, d Config) {
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("orchestrator::max_concurrent", d.Orchestrator.MaxConcurrent)
	v.SetDefault("orchestrator::retry::max_attempts", d.Orchestrator.Retry.MaxAttempts)
	v.SetDefault("orchestrator::retry::base_delay", d.Orchestrator.Retry.BaseDelay)
	v.SetDefault("orchestrator::retry::max_delay", d.Orchestrator.Retry.MaxDelay)
	v.SetDefault("orchestrator::retry::multiplier", d.Orchestrator.Retry.Multiplier)
	v.SetDefault("watchdog::interval", d.Watchdog.Interval)
	v.SetDefault("tracing::enabled", d.Tracing.Enabled)
	v.SetDefault("tracing::exporter", d.Tracing.Exporter)
	v.SetDefault("tracing::otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing::sample_rate", d.Tracing.SampleRate)
}
