// Package message implements the append-only session message log: the
// canonical message model, the SDK envelope parser, cursor pagination, and
// event publication.
package message

import (
	"encoding/json"
	"time"
)

// Canonical message types.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeSystem    = "system"
	TypeResult    = "result"
	TypeError     = "error"
)

// Message is the canonical persisted form of one session message. Rows are
// append-only; ContentData holds the raw agent envelope verbatim.
type Message struct {
	ID                string          `db:"id" json:"id"`
	SessionID         string          `db:"session_id" json:"sessionId"`
	Ordinal           int64           `db:"ordinal" json:"ordinal"`
	Type              string          `db:"type" json:"type"`
	ParentToolUseID   *string         `db:"parent_tool_use_id" json:"parentToolUseId,omitempty"`
	ContentData       json.RawMessage `db:"content_data" json:"contentData"`
	ProviderSessionID *string         `db:"provider_session_id" json:"providerSessionId,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}

// Pagination describes the window returned by a cursor query.
type Pagination struct {
	HasNextPage bool    `json:"hasNextPage"`
	NextCursor  *string `json:"nextCursor"`
}

// Page is the result of a getMessages call.
type Page struct {
	Messages   []*Message  `json:"messages"`
	Pagination *Pagination `json:"pagination"`
}

// ToolUseRef is an extracted tool_use block, surfaced as a tool-use event.
type ToolUseRef struct {
	ToolID string          `json:"toolId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResultRef is an extracted tool_result block, surfaced as a tool-result
// event.
type ToolResultRef struct {
	ToolUseID string          `json:"toolUseId"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}
