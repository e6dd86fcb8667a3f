package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pokecode/pokecode/internal/common/logger"
)

// MessageHandler handles streaming envelopes from the CLI.
type MessageHandler func(env *Envelope)

// Client handles Claude Code CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes control messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a new CLI stream client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecode-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for streaming envelopes.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine. Returns a channel that
// closes once the read loop is running, and again signals nothing after.
// The read loop exits when stdout reaches EOF, the context is cancelled,
// or Stop is called.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Interrupt asks the CLI to stop the current turn cooperatively.
func (c *Client) Interrupt() error {
	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   SDKControlRequestBody{Subtype: SubtypeInterrupt},
	}
	return c.send(req)
}

// SendUserMessage sends a prompt to the CLI in streaming input mode.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("claudecode: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("claudecode: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.logger.Warn("failed to parse envelope", zap.Error(err), zap.String("line", string(line)))
		return
	}

	// Permission checks are not interactive in headless mode; answer any
	// control request with an error so the CLI falls back to its own policy.
	if env.Type == MessageTypeControlRequest && env.Request != nil {
		c.logger.Warn("unexpected control request in headless mode",
			zap.String("request_id", env.RequestID),
			zap.String("subtype", env.Request.Subtype))
		resp := &ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: env.RequestID,
			Response:  &ControlResponse{Subtype: "error", Error: "no interactive handler"},
		}
		if err := c.send(resp); err != nil {
			c.logger.Warn("failed to send control response", zap.Error(err))
		}
		return
	}
	if env.Type == MessageTypeControlResponse {
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		env.Raw = append(json.RawMessage(nil), line...)
		handler(&env)
	}
}
