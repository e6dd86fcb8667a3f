package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/message"
	"github.com/pokecode/pokecode/pkg/claudecode"
	"github.com/pokecode/pokecode/pkg/codex"
)

// CodexRunner executes prompts through the Codex CLI app server. The
// JSON-RPC notification stream is translated into the same envelope shape
// the Claude Code CLI emits, so one parser handles both providers.
type CodexRunner struct {
	opts   Options
	logger *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	client   *codex.Client
	threadID string
	procDone chan struct{}
	aborted  bool

	abortOnce sync.Once
}

// NewCodexRunner creates a runner for the Codex CLI.
func NewCodexRunner(opts Options, log *logger.Logger) *CodexRunner {
	return &CodexRunner{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "codex-runner")),
	}
}

// Execute spawns `codex app-server`, runs the handshake and one turn, and
// streams translated envelopes. The returned channel closes once the
// process has exited.
func (r *CodexRunner) Execute(ctx context.Context, req Request) (<-chan Item, error) {
	cmd := exec.Command(r.opts.BinaryPath, "app-server")
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

	r.logger.Info("starting codex app server",
		zap.String("session_id", req.SessionID),
		zap.String("prompt_id", req.PromptID),
		zap.String("workdir", req.ProjectPath))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start codex at %q (codexPath): %w",
			r.opts.BinaryPath, err)
	}

	procDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(procDone)
	}()

	client := codex.NewClient(stdin, stdout, r.logger)
	items := make(chan Item, itemBuffer)
	turnDone := make(chan struct{})
	var turnOnce sync.Once

	var usageMu sync.Mutex
	var lastUsage *codex.TokenUsage

	push := func(item Item) {
		select {
		case items <- item:
		case <-ctx.Done():
		}
	}

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		switch method {
		case codex.NotifyThreadStarted:
			var p struct {
				Thread *codex.Thread `json:"thread"`
			}
			if err := json.Unmarshal(params, &p); err != nil || p.Thread == nil {
				return
			}
			r.mu.Lock()
			r.threadID = p.Thread.ID
			r.mu.Unlock()
			push(Item{
				Envelope:          systemInitEnvelope(p.Thread.ID),
				ProviderSessionID: p.Thread.ID,
			})

		case codex.NotifyItemCompleted:
			var p codex.ItemEventParams
			if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
				return
			}
			for _, env := range envelopesForItem(p.Item) {
				push(Item{Envelope: env})
			}

		case codex.NotifyTokenCount:
			var p codex.TokenCountParams
			if err := json.Unmarshal(params, &p); err != nil || p.Info == nil {
				return
			}
			usageMu.Lock()
			if p.Info.LastTokenUsage != nil {
				lastUsage = p.Info.LastTokenUsage
			} else if p.Info.TotalTokenUsage != nil {
				lastUsage = p.Info.TotalTokenUsage
			}
			usageMu.Unlock()

		case codex.NotifyTurnCompleted:
			var p codex.TurnCompletedParams
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			usageMu.Lock()
			usage := lastUsage
			usageMu.Unlock()
			push(Item{Envelope: turnResultEnvelope(&p, usage)})
			turnOnce.Do(func() { close(turnDone) })

		case codex.NotifyError:
			var p codex.ErrorParams
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			push(Item{Envelope: message.SyntheticError(p.Message)})
		}
	})

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

	client.Start(ctx)

	threadID, err := r.handshake(ctx, client, req)
	if err != nil {
		client.Stop()
		terminate(cmd, procDone, r.opts.GracefulShutdown)
		close(items)
		return nil, err
	}
	r.mu.Lock()
	r.threadID = threadID
	r.mu.Unlock()

	go func() {
		defer close(items)

		completed := false
		select {
		case <-turnDone:
			completed = true
		case <-procDone:
		case <-client.Done():
		case <-ctx.Done():
		}

		client.Stop()
		_ = stdin.Close()
		terminate(cmd, procDone, r.opts.GracefulShutdown)

		r.mu.Lock()
		aborted := r.aborted
		r.mu.Unlock()

		if !completed && !aborted {
			detail := "codex exited before completing the turn"
			if tail := stderr.String(); tail != "" {
				detail = fmt.Sprintf("%s\nstderr: %s", detail, tail)
			}
			r.logger.Error("agent process failed", zap.String("session_id", req.SessionID))
			push(Item{Envelope: message.SyntheticError(detail)})
		}
	}()

	return items, nil
}

// handshake runs initialize, thread start or resume, and turn start.
// Returns the thread id the turn runs on.
func (r *CodexRunner) handshake(ctx context.Context, client *codex.Client, req Request) (string, error) {
	if _, err := client.Call(ctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "pokecode", Version: "1.0"},
	}); err != nil {
		return "", err
	}

	sandbox := &codex.SandboxPolicy{Type: "workspace-write"}

	var resp *codex.Response
	var err error
	if req.ProviderSessionID != "" {
		resp, err = client.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       req.ProviderSessionID,
			Cwd:            req.ProjectPath,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
	} else {
		resp, err = client.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
			Model:          req.Model,
			Cwd:            req.ProjectPath,
			ApprovalPolicy: "never",
			SandboxPolicy:  sandbox,
		})
	}
	if err != nil {
		return "", err
	}

	var started codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &started); err != nil || started.Thread == nil {
		return "", fmt.Errorf("thread start returned no thread: %w", err)
	}

	if _, err := client.Call(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
		ThreadID: started.Thread.ID,
		Input:    []codex.UserInput{{Type: "text", Text: req.Prompt}},
	}); err != nil {
		return "", err
	}
	return started.Thread.ID, nil
}

// Abort interrupts the running turn, then terminates the app server.
func (r *CodexRunner) Abort() {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = true
		cmd := r.cmd
		client := r.client
		threadID := r.threadID
		procDone := r.procDone
		r.mu.Unlock()

		if cmd == nil {
			return
		}
		if client != nil && threadID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.GracefulShutdown)
			defer cancel()
			if _, err := client.Call(ctx, codex.MethodTurnInterrupt, &codex.TurnInterruptParams{
				ThreadID: threadID,
			}); err != nil {
				r.logger.Debug("turn interrupt failed", zap.Error(err))
			}
		}
		terminate(cmd, procDone, r.opts.GracefulShutdown)
	})
}

// envelopesForItem translates one completed Codex item into Claude-shaped
// envelopes. Tool-like items become a tool_use / tool_result pair so the
// message layer links them the same way for both providers.
func envelopesForItem(item *codex.Item) []json.RawMessage {
	switch item.Type {
	case "agentMessage":
		text := item.Text.String()
		if text == "" {
			text = item.Content.String()
		}
		if text == "" {
			return nil
		}
		return []json.RawMessage{assistantEnvelope(map[string]any{
			"type": claudecode.BlockText,
			"text": text,
		})}

	case "reasoning":
		text := item.Summary.String()
		if text == "" {
			text = item.Text.String()
		}
		if text == "" {
			text = item.Content.String()
		}
		if text == "" {
			return nil
		}
		return []json.RawMessage{assistantEnvelope(map[string]any{
			"type":     claudecode.BlockThinking,
			"thinking": text,
		})}

	case "commandExecution":
		isError := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		return []json.RawMessage{
			assistantEnvelope(map[string]any{
				"type": claudecode.BlockToolUse,
				"id":   item.ID,
				"name": "Bash",
				"input": map[string]any{
					"command": item.Command,
					"cwd":     item.Cwd,
				},
			}),
			toolResultEnvelope(item.ID, item.AggregatedOutput, isError),
		}

	case "fileChange":
		return []json.RawMessage{
			assistantEnvelope(map[string]any{
				"type":  claudecode.BlockToolUse,
				"id":    item.ID,
				"name":  "Edit",
				"input": map[string]any{"changes": item.Changes},
			}),
			toolResultEnvelope(item.ID, "", item.Status == "failed"),
		}

	case "mcpToolCall":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		var result string
		if len(item.Result) > 0 {
			result = string(item.Result)
		}
		return []json.RawMessage{
			assistantEnvelope(map[string]any{
				"type":  claudecode.BlockToolUse,
				"id":    item.ID,
				"name":  name,
				"input": item.Arguments,
			}),
			toolResultEnvelope(item.ID, result, item.Status == "failed"),
		}
	}
	return nil
}

func systemInitEnvelope(threadID string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type":       claudecode.MessageTypeSystem,
		"subtype":    "init",
		"session_id": threadID,
	})
	return raw
}

func assistantEnvelope(blocks ...map[string]any) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": claudecode.MessageTypeAssistant,
		"message": map[string]any{
			"role":    "assistant",
			"content": blocks,
		},
	})
	return raw
}

func toolResultEnvelope(toolUseID, content string, isError bool) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": claudecode.MessageTypeUser,
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{{
				"type":        claudecode.BlockToolResult,
				"tool_use_id": toolUseID,
				"content":     content,
				"is_error":    isError,
			}},
		},
	})
	return raw
}

// turnResultEnvelope closes the turn with a result envelope carrying the
// last reported token usage. Codex cached input tokens map onto the cache
// read counter.
func turnResultEnvelope(tc *codex.TurnCompletedParams, usage *codex.TokenUsage) json.RawMessage {
	env := map[string]any{
		"type":       claudecode.MessageTypeResult,
		"subtype":    claudecode.ResultSubtypeSuccess,
		"is_error":   false,
		"session_id": tc.ThreadID,
	}
	if !tc.Success {
		env["subtype"] = claudecode.ResultSubtypeErrorExecution
		env["is_error"] = true
		if tc.Error != "" {
			env["result"] = tc.Error
		}
	}
	if usage != nil {
		env["usage"] = map[string]int64{
			"input_tokens":            usage.InputTokens,
			"output_tokens":           usage.OutputTokens,
			"cache_read_input_tokens": usage.CachedInputTokens,
		}
	}
	raw, _ := json.Marshal(env)
	return raw
}
