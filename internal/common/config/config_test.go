package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 1, cfg.MaxJobAttempts)
	assert.Equal(t, 256, cfg.SSEBufferEvents)
	assert.True(t, cfg.DatabaseWAL)
	assert.True(t, cfg.PersistSystemMessages)
	assert.Contains(t, cfg.DatabasePath, ".pokecode")
}

func TestLoadFromConfigFile(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	content := `{"port": 4040, "logLevel": "debug", "workerConcurrency": 2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 4040, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60000, cfg.LeaseTTL)
}

func TestEnvOverridesFile(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"logLevel": "warn"}`), 0o644))
	t.Setenv("POKECODE_LOG_LEVEL", "debug")
	t.Setenv("POKECODE_CLAUDE_CODE_PATH", "/usr/local/bin/claude")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/usr/local/bin/claude", cfg.ClaudeCodePath)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	content := `{"port": 0, "logLevel": "loud", "maxJobAttempts": 0}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port must be between")
	assert.Contains(t, err.Error(), "logLevel must be one of")
	assert.Contains(t, err.Error(), "maxJobAttempts must be at least 1")
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		WorkerPollingInterval: 1000,
		LeaseTTL:              60000,
		GracefulShutdownMs:    5000,
		HeartbeatInterval:     25,
		JobRetention:          30,
	}

	assert.Equal(t, time.Second, cfg.WorkerPollingIntervalDuration())
	assert.Equal(t, time.Minute, cfg.LeaseTTLDuration())
	assert.Equal(t, 5*time.Second, cfg.GracefulShutdownDuration())
	assert.Equal(t, 25*time.Second, cfg.HeartbeatIntervalDuration())
	assert.Equal(t, 30*24*time.Hour, cfg.JobRetentionDuration())
}

func TestZapLevel(t *testing.T) {
	assert.Equal(t, "debug", (&Config{LogLevel: "trace"}).ZapLevel())
	assert.Equal(t, "error", (&Config{LogLevel: "fatal"}).ZapLevel())
	assert.Equal(t, "info", (&Config{LogLevel: "INFO"}).ZapLevel())
}
