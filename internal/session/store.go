package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/db"
)

// Store persists sessions. It is the only writer of session rows except for
// the counter columns, which the message store updates in its own insert
// transaction.
type Store struct {
	db *db.DB
}

// NewStore creates a session store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.Writer().NamedExecContext(ctx, `
		INSERT INTO sessions (
			id, provider, project_path, name, claude_directory_path,
			provider_session_id, context, state, metadata,
			is_working, current_job_id, last_job_status,
			message_count, token_count,
			created_at, updated_at, last_accessed_at, last_message_sent_at
		) VALUES (
			:id, :provider, :project_path, :name, :claude_directory_path,
			:provider_session_id, :context, :state, :metadata,
			:is_working, :current_job_id, :last_job_status,
			:message_count, :token_count,
			:created_at, :updated_at, :last_accessed_at, :last_message_sent_at
		)`, sess)
	if err != nil {
		return apperrors.Internal("failed to create session", err)
	}
	return nil
}

// Get returns the session or NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.Reader().GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to get session", err)
	}
	return &sess, nil
}

// List returns a page of sessions ordered by recency of the last prompt.
func (s *Store) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	where := ""
	args := []any{}
	if filter.State != "" {
		where = "WHERE state = ?"
		args = append(args, filter.State)
	}

	var total int
	if err := s.db.Reader().GetContext(ctx, &total,
		"SELECT COUNT(*) FROM sessions "+where, args...); err != nil {
		return nil, apperrors.Internal("failed to count sessions", err)
	}

	query := `SELECT * FROM sessions ` + where + `
		ORDER BY last_message_sent_at DESC NULLS LAST, updated_at DESC
		LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	sessions := []*Session{}
	if err := s.db.Reader().SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, apperrors.Internal("failed to list sessions", err)
	}

	return &ListResult{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// Update applies the patchable fields and stamps updated_at.
func (s *Store) Update(ctx context.Context, id string, patch UpdatePatch) error {
	res, err := s.db.Writer().ExecContext(ctx, `
		UPDATE sessions SET
			context = COALESCE(?, context),
			metadata = COALESCE(?, metadata),
			updated_at = ?
		WHERE id = ?`,
		patch.Context, nullableJSON(patch.Metadata), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("failed to update session", err)
	}
	return requireRow(res, "session", id)
}

// Delete removes the session; messages and jobs cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Writer().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return apperrors.Internal("failed to delete session", err)
	}
	return requireRow(res, "session", id)
}

// SetWorking flips the session into working state for the given job.
func (s *Store) SetWorking(ctx context.Context, id, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.Writer().ExecContext(ctx, `
		UPDATE sessions SET
			is_working = 1, current_job_id = ?,
			updated_at = ?, last_accessed_at = ?
		WHERE id = ?`, jobID, now, now, id)
	if err != nil {
		return apperrors.Internal("failed to mark session working", err)
	}
	return requireRow(res, "session", id)
}

// SetIdle clears working state and records the final job status.
func (s *Store) SetIdle(ctx context.Context, id, lastStatus string) error {
	now := time.Now().UTC()
	res, err := s.db.Writer().ExecContext(ctx, `
		UPDATE sessions SET
			is_working = 0, current_job_id = NULL, last_job_status = ?,
			updated_at = ?, last_accessed_at = ?
		WHERE id = ?`, lastStatus, now, now, id)
	if err != nil {
		return apperrors.Internal("failed to mark session idle", err)
	}
	return requireRow(res, "session", id)
}

// SetProviderSessionID back-fills the provider's session handle. Returns the
// value already stored when one exists, so callers can detect a mismatch.
func (s *Store) SetProviderSessionID(ctx context.Context, id, providerSessionID string) (existing *string, err error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ProviderSessionID != nil {
		return sess.ProviderSessionID, nil
	}
	_, err = s.db.Writer().ExecContext(ctx, `
		UPDATE sessions SET provider_session_id = ?, updated_at = ?
		WHERE id = ? AND provider_session_id IS NULL`,
		providerSessionID, time.Now().UTC(), id)
	if err != nil {
		return nil, apperrors.Internal("failed to set provider session id", err)
	}
	return nil, nil
}

// Touch stamps last_accessed_at.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_accessed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("failed to touch session", err)
	}
	return nil
}

// InconsistentRow is a session whose derived state disagrees with the
// job_queue and session_messages tables.
type InconsistentRow struct {
	ID               string  `db:"id"`
	IsWorking        bool    `db:"is_working"`
	CurrentJobID     *string `db:"current_job_id"`
	MessageCount     int64   `db:"message_count"`
	ActiveJobID      *string `db:"active_job_id"`
	RealMessageCount int64   `db:"real_message_count"`
}

// FindInconsistent returns sessions violating the derived-state invariants.
func (s *Store) FindInconsistent(ctx context.Context) ([]InconsistentRow, error) {
	rows := []InconsistentRow{}
	err := s.db.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM (
			SELECT s.id, s.is_working, s.current_job_id, s.message_count,
				(SELECT j.id FROM job_queue j
					WHERE j.session_id = s.id AND j.status IN ('pending', 'processing')
					ORDER BY j.created_at LIMIT 1) AS active_job_id,
				(SELECT COUNT(*) FROM session_messages m
					WHERE m.session_id = s.id) AS real_message_count
			FROM sessions s
		)
		WHERE is_working != (active_job_id IS NOT NULL)
			OR COALESCE(current_job_id, '') != COALESCE(active_job_id, '')
			OR message_count != real_message_count`)
	if err != nil {
		return nil, apperrors.Internal("failed to query inconsistent sessions", err)
	}
	return rows, nil
}

// Repair rewrites the derived fields of one session from source data.
func (s *Store) Repair(ctx context.Context, row InconsistentRow) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				is_working = ?, current_job_id = ?, message_count = ?, updated_at = ?
			WHERE id = ?`,
			row.ActiveJobID != nil, row.ActiveJobID, row.RealMessageCount,
			time.Now().UTC(), row.ID)
		return err
	})
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("failed to read affected rows", err)
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

// nullableJSON maps an empty raw message to NULL so COALESCE keeps the
// stored value.
func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
