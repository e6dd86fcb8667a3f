package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/pokecode/pokecode/internal/common/errors"
	"github.com/pokecode/pokecode/internal/db"
)

// Store is the sole writer of job_queue rows.
type Store struct {
	db *db.DB
}

// NewStore creates a queue store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert adds a pending job, enforcing one active job per session inside
// the transaction.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var active int
		if err := tx.GetContext(ctx, &active, `
			SELECT COUNT(*) FROM job_queue
			WHERE session_id = ? AND status IN (?, ?)`,
			job.SessionID, StatusPending, StatusProcessing); err != nil {
			return apperrors.Internal("failed to check active jobs", err)
		}
		if active > 0 {
			return apperrors.Conflict("a prompt is already in progress")
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO job_queue (
				id, session_id, prompt_id, provider, status,
				attempts, max_attempts, lease_until, cancel_requested,
				data, error, created_at, updated_at, started_at, completed_at
			) VALUES (
				:id, :session_id, :prompt_id, :provider, :status,
				:attempts, :max_attempts, :lease_until, :cancel_requested,
				:data, :error, :created_at, :updated_at, :started_at, :completed_at
			)`, job); err != nil {
			return apperrors.Internal("failed to insert job", err)
		}
		return nil
	})
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.Reader().GetContext(ctx, &job, `SELECT * FROM job_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to get job", err)
	}
	return &job, nil
}

// Lease claims the next runnable job: the oldest pending row whose backoff
// has elapsed, or a processing row whose lease expired. The claimed job is
// moved to processing with attempts incremented and a fresh lease. Returns
// nil when nothing is runnable.
func (s *Store) Lease(ctx context.Context, leaseTTL time.Duration) (*Job, error) {
	var leased *Job
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		var job Job
		err := tx.GetContext(ctx, &job, `
			SELECT * FROM job_queue
			WHERE (status = ? AND (lease_until IS NULL OR lease_until <= ?))
				OR (status = ? AND lease_until < ?)
			ORDER BY created_at ASC
			LIMIT 1`,
			StatusPending, now, StatusProcessing, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperrors.Internal("failed to select next job", err)
		}

		lease := now.Add(leaseTTL)
		job.Status = StatusProcessing
		job.Attempts++
		job.LeaseUntil = &lease
		job.UpdatedAt = now
		if job.StartedAt == nil {
			job.StartedAt = &now
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET
				status = ?, attempts = ?, lease_until = ?, updated_at = ?, started_at = ?
			WHERE id = ?`,
			job.Status, job.Attempts, job.LeaseUntil, job.UpdatedAt, job.StartedAt, job.ID); err != nil {
			return apperrors.Internal("failed to lease job", err)
		}

		leased = &job
		return nil
	})
	return leased, err
}

// ExtendLease pushes the processing lease forward. Idempotent; a no-op for
// jobs no longer processing.
func (s *Store) ExtendLease(ctx context.Context, id string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.Writer().ExecContext(ctx, `
		UPDATE job_queue SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		now.Add(leaseTTL), now, id, StatusProcessing)
	if err != nil {
		return apperrors.Internal("failed to extend lease", err)
	}
	return nil
}

// Complete moves a job to completed. Rejects terminal jobs.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted, nil)
}

// Fail records an error. Below the attempt cap the job returns to pending
// with its backoff encoded in lease_until; at the cap it becomes failed.
func (s *Store) Fail(ctx context.Context, id, errMsg string, leaseTTL, maxBackoff time.Duration) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if IsTerminal(job.Status) {
			return apperrors.Conflict("job is already in a terminal state")
		}

		now := time.Now().UTC()
		if job.Attempts < job.MaxAttempts {
			notBefore := now.Add(backoff(leaseTTL, maxBackoff, job.Attempts))
			_, err = tx.ExecContext(ctx, `
				UPDATE job_queue SET
					status = ?, lease_until = ?, error = ?, updated_at = ?
				WHERE id = ?`,
				StatusPending, notBefore, errMsg, now, id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE job_queue SET
					status = ?, lease_until = NULL, error = ?, updated_at = ?, completed_at = ?
				WHERE id = ?`,
				StatusFailed, errMsg, now, now, id)
		}
		if err != nil {
			return apperrors.Internal("failed to fail job", err)
		}
		return nil
	})
}

// CancelSession moves the session's pending and processing jobs to
// cancelled. Processing jobs additionally get cancel_requested set so the
// worker can distinguish an external cancel from its own cleanup. Returns
// the ids of jobs that were processing.
func (s *Store) CancelSession(ctx context.Context, sessionID string) (processing []string, err error) {
	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &processing, `
			SELECT id FROM job_queue
			WHERE session_id = ? AND status = ?`, sessionID, StatusProcessing); err != nil {
			return apperrors.Internal("failed to find processing jobs", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET
				status = ?, cancel_requested = (status = ?),
				lease_until = NULL, updated_at = ?, completed_at = ?
			WHERE session_id = ? AND status IN (?, ?)`,
			StatusCancelled, StatusProcessing, now, now,
			sessionID, StatusPending, StatusProcessing); err != nil {
			return apperrors.Internal("failed to cancel session jobs", err)
		}
		return nil
	})
	return processing, err
}

// HasActiveJobs reports whether the session has a pending or processing job.
func (s *Store) HasActiveJobs(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM job_queue
		WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, StatusPending, StatusProcessing)
	if err != nil {
		return false, apperrors.Internal("failed to check active jobs", err)
	}
	return n > 0, nil
}

// PruneTerminalBefore deletes terminal jobs completed before the cutoff.
// Returns the number of rows removed.
func (s *Store) PruneTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Writer().ExecContext(ctx, `
		DELETE FROM job_queue
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, apperrors.Internal("failed to prune jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("failed to read affected rows", err)
	}
	return n, nil
}

// CountByStatus summarizes the queue.
func (s *Store) CountByStatus(ctx context.Context) (*Stats, error) {
	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	err := s.db.Reader().SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, apperrors.Internal("failed to count jobs", err)
	}

	stats := &Stats{}
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.N
		case StatusProcessing:
			stats.Processing = row.N
		case StatusCompleted:
			stats.Completed = row.N
		case StatusFailed:
			stats.Failed = row.N
		case StatusCancelled:
			stats.Cancelled = row.N
		}
	}
	return stats, nil
}

func (s *Store) finish(ctx context.Context, id, status string, errMsg *string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if IsTerminal(job.Status) {
			return apperrors.Conflict("job is already in a terminal state")
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET
				status = ?, lease_until = NULL, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			status, errMsg, now, now, id); err != nil {
			return apperrors.Internal("failed to finish job", err)
		}
		return nil
	})
}

func getForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*Job, error) {
	var job Job
	err := tx.GetContext(ctx, &job, `SELECT * FROM job_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to get job", err)
	}
	return &job, nil
}

// backoff computes the retry delay: min(leaseTTL * 2^(attempts-1), maxBackoff).
func backoff(leaseTTL, maxBackoff time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := leaseTTL
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
