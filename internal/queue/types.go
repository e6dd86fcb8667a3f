// Package queue implements the durable job queue: one active job per
// session, leased processing with capped retries, cooperative cancellation,
// and retention pruning.
package queue

import (
	"encoding/json"
	"time"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job is one queued prompt execution.
type Job struct {
	ID        string `db:"id" json:"id"`
	SessionID string `db:"session_id" json:"sessionId"`
	PromptID  string `db:"prompt_id" json:"promptId"`
	Provider  string `db:"provider" json:"provider"`
	Status    string `db:"status" json:"status"`

	Attempts    int `db:"attempts" json:"attempts"`
	MaxAttempts int `db:"max_attempts" json:"maxAttempts"`

	// LeaseUntil is the processing lease deadline. For pending jobs it
	// doubles as a not-before time enforcing retry backoff.
	LeaseUntil      *time.Time `db:"lease_until" json:"leaseUntil,omitempty"`
	CancelRequested bool       `db:"cancel_requested" json:"cancelRequested"`

	Data  json.RawMessage `db:"data" json:"data"`
	Error *string         `db:"error" json:"error,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// JobData is the prompt payload carried by a job.
type JobData struct {
	ProjectPath  string   `json:"projectPath"`
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// ParseData decodes the job payload.
func (j *Job) ParseData() (*JobData, error) {
	var data JobData
	if err := json.Unmarshal(j.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
