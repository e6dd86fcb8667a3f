package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokecode/pokecode/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientStreamsEnvelopes(t *testing.T) {
	stdout := strings.NewReader(strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"abc","cwd":"/tmp/app","model":"sonnet"}`,
		`{"type":"assistant","session_id":"abc","message":{"role":"assistant","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":3,"output_tokens":7}}}`,
		`{"type":"result","subtype":"success","session_id":"abc","duration_ms":10,"num_turns":1}`,
	}, "\n") + "\n")

	client := NewClient(&syncBuffer{}, stdout, testLogger(t))

	var mu sync.Mutex
	var got []*Envelope
	done := make(chan struct{})
	client.SetMessageHandler(func(env *Envelope) {
		mu.Lock()
		got = append(got, env)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	<-client.Start(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelopes")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)

	assert.Equal(t, MessageTypeSystem, got[0].Type)
	assert.Equal(t, "init", got[0].Subtype)
	assert.Equal(t, "abc", got[0].SessionID)

	assert.Equal(t, MessageTypeAssistant, got[1].Type)
	blocks, ok := got[1].Message.ContentBlocks()
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "hi", blocks[0].Text)
	assert.Equal(t, int64(10), got[1].Message.Usage.TotalTokens())

	assert.Equal(t, MessageTypeResult, got[2].Type)
	assert.Equal(t, ResultSubtypeSuccess, got[2].Subtype)

	// Raw preserves the original line verbatim.
	assert.JSONEq(t, `{"type":"result","subtype":"success","session_id":"abc","duration_ms":10,"num_turns":1}`, string(got[2].Raw))
}

func TestClientAnswersControlRequests(t *testing.T) {
	stdin := &syncBuffer{}
	stdout := strings.NewReader(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n")

	client := NewClient(stdin, stdout, testLogger(t))
	<-client.Start(context.Background())

	require.Eventually(t, func() bool {
		return strings.Contains(stdin.String(), `"request_id":"r1"`)
	}, 2*time.Second, 10*time.Millisecond)

	var resp ControlResponseMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdin.String())), &resp))
	assert.Equal(t, MessageTypeControlResponse, resp.Type)
	assert.Equal(t, "error", resp.Response.Subtype)
}

func TestClientInterrupt(t *testing.T) {
	stdin := &syncBuffer{}
	client := NewClient(stdin, strings.NewReader(""), testLogger(t))

	require.NoError(t, client.Interrupt())

	var req SDKControlRequest
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdin.String())), &req))
	assert.Equal(t, MessageTypeControlRequest, req.Type)
	assert.Equal(t, SubtypeInterrupt, req.Request.Subtype)
	assert.NotEmpty(t, req.RequestID)
}

func TestUsageTotalTokens(t *testing.T) {
	cache := int64(5)
	assert.Equal(t, int64(0), (*Usage)(nil).TotalTokens())
	assert.Equal(t, int64(10), (&Usage{InputTokens: 3, OutputTokens: 7}).TotalTokens())
	assert.Equal(t, int64(19), (&Usage{InputTokens: 3, OutputTokens: 7, CacheReadInputTokens: 4, CacheCreationInputTokens: &cache}).TotalTokens())

	// Explicit null cache_creation counts as zero.
	var u Usage
	require.NoError(t, json.Unmarshal([]byte(`{"input_tokens":1,"output_tokens":2,"cache_creation_input_tokens":null}`), &u))
	assert.Equal(t, int64(3), u.TotalTokens())
}
