package message

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/common/logger"
	"github.com/pokecode/pokecode/internal/events/bus"
	"github.com/pokecode/pokecode/internal/session"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// JobCanceller cancels a session's queued work. Implemented by the queue
// service.
type JobCanceller interface {
	CancelSessionJobs(ctx context.Context, sessionID string) error
}

// Service implements message append, cursor pagination, and event
// publication.
type Service struct {
	store    *Store
	sessions *session.Service
	jobs     JobCanceller
	bus      bus.EventBus
	logger   *logger.Logger

	// persistSystem controls whether system init envelopes are stored.
	persistSystem bool
}

// NewService creates a message service.
func NewService(store *Store, sessions *session.Service, jobs JobCanceller, eventBus bus.EventBus, persistSystem bool, log *logger.Logger) *Service {
	return &Service{
		store:         store,
		sessions:      sessions,
		jobs:          jobs,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "message-service")),
		persistSystem: persistSystem,
	}
}

// SaveUserMessage appends a user prompt and publishes it.
func (s *Service) SaveUserMessage(ctx context.Context, sessionID, content string) (*Message, error) {
	if content == "" {
		return nil, apperrors.Validation("content", "must not be empty")
	}

	msg := &Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Type:        TypeUser,
		ContentData: SyntheticUserText(content),
	}
	if err := s.store.Append(ctx, AppendParams{Message: msg, UserPrompt: true}); err != nil {
		return nil, err
	}

	s.publishAppended(ctx, msg)
	return msg, nil
}

// RemoveMessage deletes a just-appended prompt. Compensation for the case
// where the enqueue that follows a user prompt is rejected.
func (s *Service) RemoveMessage(ctx context.Context, sessionID, id string) error {
	return s.store.Remove(ctx, sessionID, id)
}

// SaveSDKParams describes one SDK envelope to persist.
type SaveSDKParams struct {
	SessionID         string
	SDKMessage        json.RawMessage
	ProviderSessionID string
	Provider          string
}

// SaveSDKMessage parses and appends one agent envelope, back-fills the
// provider session id on first sight, and publishes the resulting events.
// Returns nil (no error) when the envelope is skipped by policy.
func (s *Service) SaveSDKMessage(ctx context.Context, params SaveSDKParams) (*Message, error) {
	parsed := Parse(params.SDKMessage)
	if parsed.Malformed {
		s.logger.Warn("malformed agent envelope",
			zap.String("session_id", params.SessionID),
			zap.String("reason", parsed.ParseErr))
	}

	providerSessionID := params.ProviderSessionID
	if providerSessionID == "" {
		providerSessionID = parsed.ProviderSessionID
	}
	if providerSessionID != "" {
		if err := s.sessions.RecordProviderSessionID(ctx, params.SessionID, providerSessionID); err != nil {
			s.logger.Warn("failed to record provider session id",
				zap.String("session_id", params.SessionID), zap.Error(err))
		}
	}

	if parsed.Type == TypeSystem && !s.persistSystem {
		s.logger.Debug("skipping system envelope by policy",
			zap.String("session_id", params.SessionID))
		return nil, nil
	}

	msg := &Message{
		ID:              uuid.New().String(),
		SessionID:       params.SessionID,
		Type:            parsed.Type,
		ParentToolUseID: parsed.ParentToolUseID,
		ContentData:     parsed.Raw,
	}
	if providerSessionID != "" {
		msg.ProviderSessionID = &providerSessionID
	}

	if err := s.store.Append(ctx, AppendParams{Message: msg, Tokens: parsed.Tokens}); err != nil {
		return nil, err
	}

	s.publishAppended(ctx, msg)
	for _, use := range parsed.ToolUses {
		s.publish(ctx, msg, bus.EventToolUse, use)
	}
	for _, result := range parsed.ToolResults {
		s.publish(ctx, msg, bus.EventToolResult, result)
	}
	if parsed.Type == TypeError {
		s.publish(ctx, msg, bus.EventError, map[string]string{"messageId": msg.ID})
	}

	return msg, nil
}

// GetParams selects a message page.
type GetParams struct {
	SessionID string
	// After is the id of the last message the caller has seen.
	After string
	Limit int
}

// GetMessages returns messages in ordinal order after the cursor, along
// with pagination state. Limit is clamped to [1,1000].
func (s *Service) GetMessages(ctx context.Context, params GetParams) (*Page, *session.Session, error) {
	sess, err := s.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return nil, nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var afterOrdinal int64
	if params.After != "" {
		cursor, err := s.store.Get(ctx, params.SessionID, params.After)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil, nil, apperrors.Validation("after", "unknown cursor message id")
			}
			return nil, nil, err
		}
		afterOrdinal = cursor.Ordinal
	}

	messages, err := s.store.ListAfter(ctx, params.SessionID, afterOrdinal, limit)
	if err != nil {
		return nil, nil, err
	}

	pagination := &Pagination{}
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		id := last.ID
		pagination.NextCursor = &id

		remaining, err := s.store.CountAfter(ctx, params.SessionID, last.Ordinal)
		if err != nil {
			return nil, nil, err
		}
		pagination.HasNextPage = remaining > 0
	}

	return &Page{Messages: messages, Pagination: pagination}, sess, nil
}

// GetRawMessages returns the verbatim envelopes of a session in order.
func (s *Service) GetRawMessages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListRaw(ctx, sessionID)
}

// CancelSession asks the queue to cancel the session's active jobs.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	return s.jobs.CancelSessionJobs(ctx, sessionID)
}

func (s *Service) publishAppended(ctx context.Context, msg *Message) {
	s.publish(ctx, msg, bus.EventMessageAppended, msg)
}

func (s *Service) publish(ctx context.Context, msg *Message, kind string, payload any) {
	event := bus.NewEvent(kind, msg.SessionID, payload)
	event.Ordinal = msg.Ordinal
	if kind == bus.EventMessageAppended {
		// Stream consumers dedupe the catch-up overlap by message id.
		event.ID = msg.ID
	}
	if err := s.bus.Publish(ctx, msg.SessionID, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("session_id", msg.SessionID),
			zap.String("event_type", kind),
			zap.Error(err))
	}
}
