package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// migration is a single schema change identified by a sortable id.
// Migrations are applied in id order and recorded in the migrations table;
// an already-applied id is skipped.
type migration struct {
	id  string
	sql string
}

var migrations = []migration{
	{
		id: "0001_sessions",
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	project_path TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	claude_directory_path TEXT,
	provider_session_id TEXT,
	context TEXT,
	state TEXT NOT NULL DEFAULT 'active',
	metadata TEXT,
	is_working INTEGER NOT NULL DEFAULT 0,
	current_job_id TEXT,
	last_job_status TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL,
	last_message_sent_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_last_message_sent_at ON sessions(last_message_sent_at);
`,
	},
	{
		id: "0002_session_messages",
		sql: `
CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	type TEXT NOT NULL,
	parent_tool_use_id TEXT,
	content_data TEXT NOT NULL,
	provider_session_id TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE(session_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session_ordinal
	ON session_messages(session_id, ordinal);
`,
	},
	{
		id: "0003_job_queue",
		sql: `
CREATE TABLE IF NOT EXISTS job_queue (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	prompt_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	lease_until DATETIME,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL,
	error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_job_queue_status_session
	ON job_queue(status, session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_job_queue_session ON job_queue(session_id);
`,
	},
}

// Migrate applies all pending migrations on the given connection.
// Safe to call on every startup.
func Migrate(conn *sqlx.DB) error {
	if _, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS migrations (
	id TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := map[string]bool{}
	rows, err := conn.Query(`SELECT id FROM migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan migration id: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate migrations: %w", err)
	}
	_ = rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}

		tx, err := conn.Beginx()
		if err != nil {
			return fmt.Errorf("migration %s: failed to begin transaction: %w", m.id, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.id, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO migrations (id, applied_at) VALUES (?, ?)`,
			m.id, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: failed to record: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: failed to commit: %w", m.id, err)
		}
	}

	return nil
}
