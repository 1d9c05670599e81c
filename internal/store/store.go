package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - attempts audit table and kv table
const currentSchemaVersion = 1

const (
	DefaultMaxWriters  = 8
	DefaultBusyTimeout = 5 * time.Second
	maxReaders         = 16
)

// Store is a SQLite database that hands out transactions (it implements
// txn.Manager) and keeps the attempts audit trail.
//
// Two connection pools share the file. Readwrite transactions come from the
// writer pool, whose connections open every transaction with BEGIN IMMEDIATE
// so lock contention surfaces at begin time. Readonly transactions come from
// the reader pool and use deferred transactions, which WAL lets run beside a
// writer.
type Store struct {
	write   *sql.DB
	read    *sql.DB
	writers *semaphore.Weighted

	maxWriters  int
	busyTimeout time.Duration
	now         func() time.Time
}

// Option configures Open.
type Option func(*Store)

// WithMaxWriters bounds concurrent readwrite transactions. Begin fails with
// txn.ErrCapacity instead of queueing once n are live.
func WithMaxWriters(n int) Option {
	return func(s *Store) {
		s.maxWriters = n
	}
}

// WithBusyTimeout sets how long a writer waits for the database lock before
// the attempt is reported as a conflict.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// WithClock sets the clock used for audit and kv timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens a SQLite database at path and applies the schema.
//
// Every connection is configured through the DSN with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - the busy timeout (default 5s)
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		maxWriters:  DefaultMaxWriters,
		busyTimeout: DefaultBusyTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxWriters < 1 {
		return nil, fmt.Errorf("max writers must be >= 1, got %d", s.maxWriters)
	}
	s.writers = semaphore.NewWeighted(int64(s.maxWriters))

	// One connection beyond the writer slots is left for audit inserts.
	write, err := openPool(dsn(path, s.busyTimeout, "immediate"), s.maxWriters+1)
	if err != nil {
		return nil, err
	}
	if err := applySchema(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	read, err := openPool(dsn(path, s.busyTimeout, "deferred"), maxReaders)
	if err != nil {
		write.Close()
		return nil, err
	}

	s.write, s.read = write, read
	return s, nil
}

func dsn(path string, busy time.Duration, txlock string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

func openPool(dsn string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var errs []error
	if s.read != nil {
		errs = append(errs, s.read.Close())
	}
	if s.write != nil {
		errs = append(errs, s.write.Close())
	}
	return errors.Join(errs...)
}

// applySchema creates tables if they don't exist and records the version.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value on a
// writer connection. Used for testing.
func (s *Store) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	if err := s.write.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
