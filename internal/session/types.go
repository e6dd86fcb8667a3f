// Package session implements session lifecycle and derived working state.
package session

import (
	"encoding/json"
	"time"
)

// Providers driving a session.
const (
	ProviderClaudeCode = "claude-code"
	ProviderCodexCLI   = "codex-cli"
)

// Session states.
const (
	StateActive   = "active"
	StateInactive = "inactive"
)

// Session is a logical conversation bound to one project path and provider.
type Session struct {
	ID                  string          `db:"id" json:"id"`
	Provider            string          `db:"provider" json:"provider"`
	ProjectPath         string          `db:"project_path" json:"projectPath"`
	Name                string          `db:"name" json:"name"`
	ClaudeDirectoryPath *string         `db:"claude_directory_path" json:"claudeDirectoryPath,omitempty"`
	ProviderSessionID   *string         `db:"provider_session_id" json:"providerSessionId,omitempty"`
	Context             *string         `db:"context" json:"context,omitempty"`
	State               string          `db:"state" json:"state"`
	Metadata            json.RawMessage `db:"metadata" json:"metadata,omitempty"`

	IsWorking     bool    `db:"is_working" json:"isWorking"`
	CurrentJobID  *string `db:"current_job_id" json:"currentJobId"`
	LastJobStatus *string `db:"last_job_status" json:"lastJobStatus"`

	MessageCount int64 `db:"message_count" json:"messageCount"`
	TokenCount   int64 `db:"token_count" json:"tokenCount"`

	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
	LastAccessedAt    time.Time  `db:"last_accessed_at" json:"lastAccessedAt"`
	LastMessageSentAt *time.Time `db:"last_message_sent_at" json:"lastMessageSentAt"`
}

// ValidProvider reports whether the tag names a known provider.
func ValidProvider(provider string) bool {
	return provider == ProviderClaudeCode || provider == ProviderCodexCLI
}

// ListFilter narrows and pages a session listing.
type ListFilter struct {
	State  string
	Limit  int
	Offset int
}

// ListResult is a page of sessions with the total match count.
type ListResult struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// UpdatePatch carries the mutable session fields.
type UpdatePatch struct {
	Context  *string         `json:"context,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
