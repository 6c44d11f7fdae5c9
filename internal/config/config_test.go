package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults_PassesValidate(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_NegativeMaxConcurrent(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.MaxConcurrent = -1
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_concurrent")
}

func TestValidate_ZeroMaxAttempts(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.Retry.MaxAttempts = 0
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_attempts")
}

func TestValidate_ZeroWatchdogInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Watchdog.Interval = 0
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "watchdog.interval")
}

func TestValidateTracing_SampleRateOutOfRange(t *testing.T) {
	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sample_rate")
}

func TestValidateTracing_InvalidExporter(t *testing.T) {
	err := ValidateTracing(TracingConfig{Exporter: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exporter")
}

func TestValidateTracing_FileExporterRequiresPath(t *testing.T) {
	err := ValidateTracing(TracingConfig{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "file_path")
}

func TestValidateTracing_OTLPExporterRequiresEndpoint(t *testing.T) {
	err := ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "otlp_endpoint")
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().Orchestrator.MaxConcurrent, cfg.Orchestrator.MaxConcurrent)
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "orchestrator:\n  max_concurrent: 9\nwatchdog:\n  interval: 45s\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Orchestrator.MaxConcurrent)
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	cfg := Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "workflows.db")
	cfg.Orchestrator.MaxConcurrent = 7
	cfg.Orchestrator.Retry.BaseDelay = 3 * time.Second
	cfg.Watchdog.Interval = 90 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Orchestrator.MaxConcurrent, loaded.Orchestrator.MaxConcurrent)
	require.Equal(t, cfg.Orchestrator.Retry.BaseDelay, loaded.Orchestrator.Retry.BaseDelay)
	require.Equal(t, cfg.Watchdog.Interval, loaded.Watchdog.Interval)
	require.Equal(t, cfg.DBPath, loaded.DBPath)
}
