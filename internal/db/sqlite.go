// Package db provides SQLite connection management and schema migrations
// for the pokecode store.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultReaderConns = 4
)

// Options controls how the SQLite database is opened.
type Options struct {
	// WAL enables write-ahead logging. On by default.
	WAL bool
	// CacheSize is the page cache size in pages. Zero keeps the SQLite default.
	CacheSize int
}

// DefaultOptions returns the options used by the daemon.
func DefaultOptions() Options {
	return Options{WAL: true, CacheSize: 1_000_000}
}

// DB bundles the single writer connection with a read-only pool.
// All writes are serialized through Writer; reads may use Reader.
type DB struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the single-connection write handle.
func (d *DB) Writer() *sqlx.DB { return d.writer }

// Reader returns the read-only pool. For in-memory databases this is the
// writer connection (a second handle would see a different database).
func (d *DB) Reader() *sqlx.DB { return d.reader }

// Close closes both connection pools.
func (d *DB) Close() error {
	var firstErr error
	if d.reader != nil && d.reader != d.writer {
		if err := d.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if d.writer != nil {
		if err := d.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping verifies the writer connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.writer.PingContext(ctx)
}

// WithTx executes fn within a transaction on the writer connection.
// If fn returns an error the transaction is rolled back.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Open opens the pokecode database: one writer connection plus a read pool,
// applying all pending migrations.
func Open(dbPath string, opts Options) (*DB, error) {
	if isMemory(dbPath) {
		return openMemory(opts)
	}

	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writer, err := sqlx.Open("sqlite3", writerDSN(normalizedPath, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sqlx.Open("sqlite3", readerDSN(normalizedPath, opts))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	d := &DB{writer: writer, reader: reader}
	if err := Migrate(d.writer); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// openMemory opens a shared in-memory database for tests. The writer doubles
// as the reader so both see the same data.
func openMemory(opts Options) (*DB, error) {
	dsn := "file::memory:?cache=shared&_foreign_keys=on"
	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	d := &DB{writer: writer, reader: writer}
	if err := Migrate(d.writer); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// writerDSN builds the writer connection string:
//   - foreign_keys=on: enforce FK constraints consistently.
//   - busy_timeout: wait briefly on locks to reduce transient "database is locked".
//   - journal_mode=WAL: better read concurrency with a single writer.
//   - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
func writerDSN(path string, opts Options) string {
	journal := "DELETE"
	if opts.WAL {
		journal = "WAL"
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=%s&_synchronous=NORMAL&_cache=shared",
		path,
		int(defaultBusyTimeout/time.Millisecond),
		journal,
	)
	if opts.CacheSize > 0 {
		dsn += fmt.Sprintf("&_cache_size=%d", opts.CacheSize)
	}
	return dsn
}

// readerDSN builds the read-only connection string. journal_mode and
// synchronous are database-level settings owned by the writer.
func readerDSN(path string, opts Options) string {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(defaultBusyTimeout/time.Millisecond),
	)
	if opts.CacheSize > 0 {
		dsn += fmt.Sprintf("&_cache_size=%d", opts.CacheSize)
	}
	return dsn
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || dbPath == "file::memory:"
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
