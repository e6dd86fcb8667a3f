package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/pkg/claudecode"
)

// ClaudeRunner executes prompts through the Claude Code CLI in streaming
// JSON mode: the prompt is written to stdin and envelopes are read from
// stdout until the CLI finishes the turn.
type ClaudeRunner struct {
	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	client   *claudecode.Client
	procDone chan struct{}
	aborted  bool

	abortOnce sync.Once
}

// NewClaudeRunner creates a runner for the Claude Code CLI.
func NewClaudeRunner(opts Options, log *logger.Logger) *ClaudeRunner {
	return &ClaudeRunner{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "claude-runner")),
	}
}

// buildClaudeArgs assembles the CLI invocation for one request.
func buildClaudeArgs(req Request) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ProviderSessionID != "" {
		args = append(args, "--resume", req.ProviderSessionID)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// Execute spawns the CLI and streams its envelopes. The returned channel
// closes once the process has exited.
func (r *ClaudeRunner) Execute(ctx context.Context, req Request) (<-chan Item, error) {
	args := buildClaudeArgs(req)

	// Plain exec.Command: the process must not die with the enqueueing
	// request's context. Termination is handled by Abort.
	cmd := exec.Command(r.opts.BinaryPath, args...)
	cmd.Dir = req.ProjectPath
	setProcGroup(cmd)

	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	r.logger.Info("starting claude-code",
		zap.String("session_id", req.SessionID),
		zap.String("prompt_id", req.PromptID),
		zap.Strings("args", args),
		zap.String("workdir", req.ProjectPath))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude-code at %q (claudeCodePath): %w",
			r.opts.BinaryPath, err)
	}

	client := claudecode.NewClient(stdin, stdout, r.logger)
	items := make(chan Item, itemBuffer)

	// The CLI does not exit after a turn; it emits the result envelope and
	// keeps reading stdin. The result marks end of turn.
	turnDone := make(chan struct{})
	var turnOnce sync.Once
	client.SetMessageHandler(func(env *claudecode.Envelope) {
		item := Item{Envelope: env.Raw, ProviderSessionID: env.SessionID}
		select {
		case items <- item:
		case <-ctx.Done():
		}
		if env.Type == claudecode.MessageTypeResult {
			turnOnce.Do(func() { close(turnDone) })
		}
	})

	procDone := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.client = client
	r.procDone = procDone
	abortedEarly := r.aborted
	r.mu.Unlock()

	// Abort may have been requested before the process existed.
	if abortedEarly {
		go terminate(cmd, procDone, r.opts.GracefulShutdown)
	}

	<-client.Start(ctx)

	if err := client.SendUserMessage(req.Prompt); err != nil {
		r.logger.Error("failed to send prompt", zap.Error(err))
		_ = killProcess(cmd)
	}

	go func() {
		defer close(items)

		// One process per prompt: once the turn is over, EOF on stdin
		// tells the CLI to exit. Done covers early process death.
		select {
		case <-turnDone:
		case <-client.Done():
		case <-ctx.Done():
		}
		_ = stdin.Close()

		// The read loop exits at stdout EOF.
		<-client.Done()
		waitErr := cmd.Wait()
		close(procDone)

		r.mu.Lock()
		aborted := r.aborted
		r.mu.Unlock()

		if waitErr != nil && !aborted {
			detail := fmt.Sprintf("claude-code exited: %v", waitErr)
			if tail := stderr.String(); tail != "" {
				detail = fmt.Sprintf("%s\nstderr: %s", detail, tail)
			}
			r.logger.Error("agent process failed",
				zap.String("session_id", req.SessionID),
				zap.Error(waitErr))
			select {
			case items <- Item{Envelope: message.SyntheticError(detail)}:
			case <-ctx.Done():
			}
		}
	}()

	return items, nil
}

// Abort stops the running CLI. It first asks for a cooperative interrupt
// over stdin, then signals the process group, then kills it after the
// grace period.
func (r *ClaudeRunner) Abort() {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = true
		cmd := r.cmd
		client := r.client
		procDone := r.procDone
		r.mu.Unlock()

		if cmd == nil {
			return
		}
		if client != nil {
			if err := client.Interrupt(); err != nil {
				r.logger.Debug("interrupt request failed", zap.Error(err))
			}
		}
		terminate(cmd, procDone, r.opts.GracefulShutdown)
	})
}
