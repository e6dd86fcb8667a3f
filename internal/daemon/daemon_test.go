package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/config"
)

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func TestWriteAndReadDescriptor(t *testing.T) {
	isolateHome(t)
	cfg := &config.Config{Host: "0.0.0.0", Port: 3001}

	require.NoError(t, Write(cfg))
	t.Cleanup(Remove)

	pid, err := ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	desc, err := ReadDescriptor()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), desc.PID)
	assert.Equal(t, 3001, desc.Port)
	assert.Equal(t, "http://127.0.0.1:3001", desc.BaseURL())
	assert.False(t, desc.StartedAt.IsZero())
}

func TestWriteIsIdempotentForOwnPID(t *testing.T) {
	isolateHome(t)
	cfg := &config.Config{Port: 3001}

	require.NoError(t, Write(cfg))
	require.NoError(t, Write(cfg))
}

func TestIsRunning(t *testing.T) {
	assert.True(t, IsRunning(os.Getpid()))
	assert.False(t, IsRunning(0))
	// PIDs above the kernel maximum can never be live.
	assert.False(t, IsRunning(1<<30))
}

func TestStopWithoutDaemon(t *testing.T) {
	isolateHome(t)
	assert.ErrorIs(t, Stop(time.Second), ErrNotRunning)
}

func TestStopCleansStalePIDFile(t *testing.T) {
	isolateHome(t)
	require.NoError(t, os.MkdirAll(config.HomeDir(), 0o755))
	require.NoError(t, os.WriteFile(config.PIDPath(), []byte("1073741824"), 0o644))

	assert.ErrorIs(t, Stop(time.Second), ErrNotRunning)
	_, err := os.Stat(config.PIDPath())
	assert.True(t, os.IsNotExist(err))
}

func TestProbeWithoutDaemon(t *testing.T) {
	isolateHome(t)
	status, err := Probe()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, status.Running)
}
