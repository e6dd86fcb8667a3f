package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/db"
)

// Store is the sole writer of session_messages. Ordinal assignment and the
// session counter updates happen in the same transaction as the insert, so
// counters can never diverge from the row count.
type Store struct {
	db *db.DB
}

// NewStore creates a message store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// AppendParams describes one message insert.
type AppendParams struct {
	Message *Message
	// Tokens is added to the session's token counter.
	Tokens int64
	// UserPrompt stamps last_message_sent_at on the session.
	UserPrompt bool
}

// Append inserts the message with the next ordinal and updates the session
// counters atomically. The assigned ordinal is written back to the message.
func (s *Store) Append(ctx context.Context, params AppendParams) error {
	msg := params.Message
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		// The counter UPDATE locks the session row, which also serializes
		// ordinal assignment; zero rows affected means no such session.
		query := `UPDATE sessions SET
				message_count = message_count + 1,
				token_count = token_count + ?,
				updated_at = ?
			WHERE id = ?`
		args := []any{params.Tokens, now, msg.SessionID}
		if params.UserPrompt {
			query = `UPDATE sessions SET
					message_count = message_count + 1,
					token_count = token_count + ?,
					updated_at = ?,
					last_message_sent_at = ?
				WHERE id = ?`
			args = []any{params.Tokens, now, now, msg.SessionID}
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apperrors.Internal("failed to update session counters", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperrors.Internal("failed to read affected rows", err)
		}
		if n == 0 {
			return apperrors.NotFound("session", msg.SessionID)
		}

		var ordinal int64
		if err := tx.GetContext(ctx, &ordinal, `
			SELECT COALESCE(MAX(ordinal), 0) + 1 FROM session_messages
			WHERE session_id = ?`, msg.SessionID); err != nil {
			return apperrors.Internal("failed to allocate ordinal", err)
		}
		msg.Ordinal = ordinal
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO session_messages (
				id, session_id, ordinal, type, parent_tool_use_id,
				content_data, provider_session_id, created_at
			) VALUES (
				:id, :session_id, :ordinal, :type, :parent_tool_use_id,
				:content_data, :provider_session_id, :created_at
			)`, msg); err != nil {
			return apperrors.Internal("failed to insert message", err)
		}
		return nil
	})
}

// Remove deletes one message and reverses its counter contribution. Only
// user prompts are ever removed, so there is no token adjustment. A
// missing row is not an error.
func (s *Store) Remove(ctx context.Context, sessionID, id string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM session_messages WHERE session_id = ? AND id = ?`,
			sessionID, id)
		if err != nil {
			return apperrors.Internal("failed to delete message", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperrors.Internal("failed to read affected rows", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				message_count = message_count - 1,
				updated_at = ?
			WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
			return apperrors.Internal("failed to update session counters", err)
		}
		return nil
	})
}

// Get returns one message by id within a session.
func (s *Store) Get(ctx context.Context, sessionID, id string) (*Message, error) {
	var msg Message
	err := s.db.Reader().GetContext(ctx, &msg, `
		SELECT * FROM session_messages WHERE session_id = ? AND id = ?`,
		sessionID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("message", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to get message", err)
	}
	return &msg, nil
}

// ListAfter returns up to limit messages with ordinal strictly greater than
// afterOrdinal, ascending.
func (s *Store) ListAfter(ctx context.Context, sessionID string, afterOrdinal int64, limit int) ([]*Message, error) {
	messages := []*Message{}
	err := s.db.Reader().SelectContext(ctx, &messages, `
		SELECT * FROM session_messages
		WHERE session_id = ? AND ordinal > ?
		ORDER BY ordinal ASC
		LIMIT ?`, sessionID, afterOrdinal, limit)
	if err != nil {
		return nil, apperrors.Internal("failed to list messages", err)
	}
	return messages, nil
}

// CountAfter reports how many messages exist beyond the given ordinal.
func (s *Store) CountAfter(ctx context.Context, sessionID string, afterOrdinal int64) (int, error) {
	var n int
	err := s.db.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM session_messages
		WHERE session_id = ? AND ordinal > ?`, sessionID, afterOrdinal)
	if err != nil {
		return 0, apperrors.Internal("failed to count messages", err)
	}
	return n, nil
}

// ListRaw returns the raw envelopes of a session in ordinal order.
func (s *Store) ListRaw(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	var rows []string
	err := s.db.Reader().SelectContext(ctx, &rows, `
		SELECT content_data FROM session_messages
		WHERE session_id = ?
		ORDER BY ordinal ASC`, sessionID)
	if err != nil {
		return nil, apperrors.Internal("failed to list raw messages", err)
	}
	envelopes := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		envelopes[i] = json.RawMessage(row)
	}
	return envelopes, nil
}
