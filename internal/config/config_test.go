package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EMBEDCTL_SERVICE_URL", "")
	cfg := Load()

	assert.Equal(t, "http://localhost:8090", cfg.ServiceURL)
	assert.Equal(t, "ws://localhost:8090/ws", cfg.PushEndpoint())
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.HealthCooldown)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 1000, cfg.EventQueueSize)
	assert.Equal(t, FailurePolicyFail, cfg.FailurePolicy)
	assert.False(t, cfg.HistoryEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EMBEDCTL_SERVICE_URL", "https://embed.example.com")
	t.Setenv("EMBEDCTL_BATCH_SIZE", "16")
	t.Setenv("EMBEDCTL_TASK_TIMEOUT", "2m")
	t.Setenv("EMBEDCTL_FAILURE_POLICY", "RETRY")
	t.Setenv("EMBEDCTL_LOG_LEVEL", "debug")
	t.Setenv("EMBEDCTL_WORKERS", "not-a-number")
	t.Setenv("SURREALDB_URL", "ws://db:8000/rpc")

	cfg := Load()
	assert.Equal(t, "wss://embed.example.com/ws", cfg.PushEndpoint())
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, FailurePolicyRetry, cfg.FailurePolicy)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers, "invalid values keep the default")
	assert.True(t, cfg.HistoryEnabled())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_url: http://gpu-box:9000
push_url: ws://gpu-box:9001/push
batch_size: 8
poll_interval: 250ms
failure_policy: retry
log_level: warn
`), 0o644))
	t.Setenv("EMBEDCTL_BATCH_SIZE", "12")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:9000", cfg.ServiceURL)
	assert.Equal(t, "ws://gpu-box:9001/push", cfg.PushEndpoint())
	assert.Equal(t, 12, cfg.BatchSize, "env wins over file")
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, FailurePolicyRetry, cfg.FailurePolicy)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.TaskTimeout, "unset keys keep defaults")
}

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().BatchSize, cfg.BatchSize)
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: [1, 2"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.BatchSize = 0
	cfg.FailurePolicy = "explode"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), "failure_policy")
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job created", "job_id", "abc")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "job_id=abc")
	assert.Contains(t, file.String(), `"job_id":"abc"`)
}

func TestSetupLogger_FallsBackToStderr(t *testing.T) {
	logger, cleanup := SetupLogger(filepath.Join(t.TempDir(), "missing-dir", "x.log"), slog.LevelInfo)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}

func TestSetupLoggerLevels_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedctl.log")
	logger, cleanup := SetupLoggerLevels(path, slog.LevelDebug, slog.LevelError)
	logger.Debug("task resolved", "task_id", "t1")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"t1"`)
}
