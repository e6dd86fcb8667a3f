// Package runner spawns agent CLI processes and streams their output as
// raw SDK envelopes. Each runner owns one process for the duration of one
// job and supports cooperative abort with escalation.
package runner

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/session"
)

const (
	// stderrTailBytes bounds how much agent stderr is retained for error
	// reporting.
	stderrTailBytes = 8 * 1024

	// itemBuffer smooths bursts between the agent stream and the consumer.
	itemBuffer = 64
)

// Request describes one prompt execution.
type Request struct {
	SessionID    string
	PromptID     string
	ProjectPath  string
	Prompt       string
	Model        string
	AllowedTools []string

	// ProviderSessionID resumes an existing agent conversation when set.
	ProviderSessionID string
}

// Item is one streamed envelope from the agent. ProviderSessionID is set
// when the envelope carries the agent's own session identifier.
type Item struct {
	Envelope          json.RawMessage
	ProviderSessionID string
}

// Runner executes a single prompt against an agent CLI.
type Runner interface {
	// Execute spawns the agent and returns a channel of streamed envelopes.
	// The channel closes once the process has exited; a non-zero exit that
	// was not caused by Abort yields a final synthetic error item.
	Execute(ctx context.Context, req Request) (<-chan Item, error)

	// Abort stops the running agent: cooperative interrupt first, then an
	// interrupt signal, then a kill after the grace period. Idempotent.
	Abort()
}

// Options configures a runner.
type Options struct {
	BinaryPath       string
	GracefulShutdown time.Duration
}

// New returns the runner for the given provider.
func New(provider string, opts Options, log *logger.Logger) Runner {
	if provider == session.ProviderCodexCLI {
		return NewCodexRunner(opts, log)
	}
	return NewClaudeRunner(opts, log)
}

// terminate interrupts the process group and escalates to a kill when the
// grace period elapses without exit. procDone must close once the process
// has been reaped.
func terminate(cmd *exec.Cmd, procDone <-chan struct{}, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = interruptProcess(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-procDone:
	case <-timer.C:
		_ = killProcess(cmd)
	}
}

// tailBuffer is an io.Writer retaining only the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
