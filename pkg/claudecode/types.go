// Package claudecode provides types and a stream client for the Claude Code
// CLI stream-json protocol. The CLI emits one JSON envelope per stdout line
// and accepts control messages on stdin.
package claudecode

import "encoding/json"

// Envelope types emitted by the CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeUser carries a user-role message (prompt echo or tool results)
	MessageTypeUser = "user"
	// MessageTypeAssistant contains assistant content blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final outcome of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Result subtypes.
const (
	ResultSubtypeSuccess        = "success"
	ResultSubtypeErrorMaxTurns  = "error_max_turns"
	ResultSubtypeErrorExecution = "error_during_execution"
)

// Content block types.
const (
	BlockText                = "text"
	BlockToolUse             = "tool_use"
	BlockToolResult          = "tool_result"
	BlockThinking            = "thinking"
	BlockRedactedThinking    = "redacted_thinking"
	BlockServerToolUse       = "server_tool_use"
	BlockWebSearchToolResult = "web_search_tool_result"
)

// Control request subtypes sent to the CLI.
const (
	SubtypeInterrupt = "interrupt"
)

// Envelope is one line of the stream-json protocol. The Type field decides
// which of the remaining fields are populated. Raw holds the verbatim line
// so the envelope can be persisted without loss.
type Envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Present on user envelopes carrying tool results inside a subtask.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// System init fields.
	CWD            string          `json:"cwd,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	Model          string          `json:"model,omitempty"`
	MCPServers     json.RawMessage `json:"mcp_servers,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	SlashCommands  []string        `json:"slash_commands,omitempty"`

	// User and assistant envelopes.
	Message *MessageBody `json:"message,omitempty"`

	// Control request envelopes.
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// Result envelopes. Result can be a string or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Raw is the verbatim stdout line this envelope was decoded from.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the inner message of user and assistant envelopes.
// Content is either a plain string or an array of content blocks.
type MessageBody struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ContentBlocks decodes Content as a block array. Returns false when
// Content is absent or a plain string.
func (m *MessageBody) ContentBlocks() ([]ContentBlock, bool) {
	if len(m.Content) == 0 {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// ContentText decodes Content as a plain string. Returns false when
// Content is absent or a block array.
func (m *MessageBody) ContentText() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentBlock is one element of an assistant or user content array.
// Unknown block types decode with just Type set; the raw form survives in
// the enclosing envelope.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use and server_tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks; Content may be a string or nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage carries token counters from assistant and result envelopes.
// CacheCreationInputTokens is a pointer because the CLI sometimes emits
// an explicit null; both null and absent count as zero.
type Usage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
}

// TotalTokens returns the counter contribution of this usage record:
// input + output + cache_read + cache_creation (null as zero).
func (u *Usage) TotalTokens() int64 {
	if u == nil {
		return 0
	}
	total := u.InputTokens + u.OutputTokens + u.CacheReadInputTokens
	if u.CacheCreationInputTokens != nil {
		total += *u.CacheCreationInputTokens
	}
	return total
}

// ResultString returns the Result field when it is a plain string
// (typically an error description).
func (e *Envelope) ResultString() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is a control request from the CLI, e.g. a permission check.
type ControlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request on stdin.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string `json:"subtype"` // success, error
	Error   string `json:"error,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI (e.g. interrupt).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an outgoing control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// UserMessage provides a prompt to the CLI in streaming input mode.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
