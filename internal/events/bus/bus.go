// Package bus provides session-scoped publish/subscribe for pokecode.
//
// Topics are keyed by session id. Delivery is FIFO per subscriber and
// best-effort: a subscriber whose buffer fills up is dropped with a final
// slow-consumer event. The bus holds no history; late subscribers catch up
// through the message store.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event kinds published on session topics.
const (
	EventMessageAppended = "message-appended"
	EventSessionDone     = "session-done"
	EventToolUse         = "tool-use"
	EventToolResult      = "tool-result"
	EventError           = "error"
	EventSlowConsumer    = "slow-consumer"
)

// Event is a message on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Ordinal   int64           `json:"ordinal,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
// The payload is marshaled to JSON; a payload that cannot be marshaled
// is replaced by an error object so publishing never fails silently.
func NewEvent(eventType, sessionID string, payload any) *Event {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			b, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("marshal payload: %v", err)})
		}
		data = b
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SessionDonePayload is the payload of a session-done event.
type SessionDonePayload struct {
	Status   string `json:"status"`
	PromptID string `json:"promptId,omitempty"`
}

// Subscription is a live feed of one session's events. The channel is closed
// when the subscriber is dropped or the bus shuts down; Err reports why.
type Subscription interface {
	Events() <-chan *Event
	Unsubscribe()
	Err() error
}

// EventBus is the publish/subscribe contract shared by the in-memory and
// NATS-backed implementations.
type EventBus interface {
	// Publish delivers an event to all subscribers of the session topic.
	Publish(ctx context.Context, sessionID string, event *Event) error

	// Subscribe opens a buffered subscription to a session topic.
	Subscribe(sessionID string) (Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close()

	// IsConnected reports whether the bus can accept publishes.
	IsConnected() bool
}

// ErrSlowConsumer is reported by Subscription.Err after a subscriber was
// dropped for not keeping up.
var ErrSlowConsumer = fmt.Errorf("subscriber dropped: buffer overflow")
