// Package daemon manages the pokecode background process: the pid file and
// daemon descriptor under ~/.pokecode, plus stop and status probes used by
// the CLI.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pokecode/pokecode/internal/common/config"
)

// ErrNotRunning is returned by Stop and Status when no daemon is alive.
var ErrNotRunning = errors.New("daemon is not running")

// Descriptor is the daemon.json contents: enough for clients to find and
// identify the running server.
type Descriptor struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// BaseURL returns the server address for HTTP probes.
func (d *Descriptor) BaseURL() string {
	host := d.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, d.Port)
}

// Write records this process as the running daemon. Fails when another
// live daemon already holds the pid file.
func Write(cfg *config.Config) error {
	if pid, err := ReadPID(); err == nil && pid != os.Getpid() && IsRunning(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	if err := os.MkdirAll(config.HomeDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	desc := &Descriptor{
		PID:       os.Getpid(),
		Host:      cfg.Host,
		Port:      cfg.Port,
		StartedAt: time.Now().UTC(),
	}
	if err := os.WriteFile(config.PIDPath(), []byte(strconv.Itoa(desc.PID)), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(config.DaemonDescriptorPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write daemon descriptor: %w", err)
	}
	return nil
}

// Remove deletes the pid file and descriptor.
func Remove() {
	_ = os.Remove(config.PIDPath())
	_ = os.Remove(config.DaemonDescriptorPath())
}

// ReadPID reads the recorded daemon pid.
func ReadPID() (int, error) {
	data, err := os.ReadFile(config.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// ReadDescriptor reads daemon.json.
func ReadDescriptor() (*Descriptor, error) {
	data, err := os.ReadFile(config.DaemonDescriptorPath())
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("malformed daemon descriptor: %w", err)
	}
	return &desc, nil
}

// IsRunning reports whether the pid refers to a live process.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop terminates the running daemon with SIGTERM and waits for it to
// exit. Stale state files are cleaned up either way.
func Stop(timeout time.Duration) error {
	pid, err := ReadPID()
	if err != nil {
		return ErrNotRunning
	}
	if !IsRunning(pid) {
		Remove()
		return ErrNotRunning
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			Remove()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, timeout)
}

// Status describes the daemon state for the status subcommand.
type Status struct {
	Running bool        `json:"running"`
	Healthy bool        `json:"healthy"`
	Daemon  *Descriptor `json:"daemon,omitempty"`
}

// Probe checks the recorded daemon: process liveness plus an HTTP health
// check against its API.
func Probe() (*Status, error) {
	desc, err := ReadDescriptor()
	if err != nil {
		return &Status{}, ErrNotRunning
	}
	status := &Status{Daemon: desc}
	if !IsRunning(desc.PID) {
		return status, ErrNotRunning
	}
	status.Running = true

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(desc.BaseURL() + "/health")
	if err == nil {
		_ = resp.Body.Close()
		status.Healthy = resp.StatusCode == http.StatusOK
	}
	return status, nil
}
