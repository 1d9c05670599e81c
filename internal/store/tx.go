package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/txexec/internal/txn"
)

// ErrReadOnly is returned by Tx.ExecContext on a readonly transaction.
var ErrReadOnly = errors.New("store: write in a readonly transaction")

var txSeq atomic.Int64

// Begin implements txn.Manager.
//
// A readwrite Begin first takes a writer slot and fails with txn.ErrCapacity
// when none is free. Lock contention while starting the transaction is
// reported as a *txn.ConflictError.
func (s *Store) Begin(ctx context.Context, opts txn.Options) (txn.Tx, error) {
	db := s.read
	release := func() {}
	if opts.Capability == txn.ReadWrite {
		if !s.writers.TryAcquire(1) {
			return nil, txn.ErrCapacity
		}
		release = func() { s.writers.Release(1) }
		db = s.write
	}

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		release()
		return nil, mapErr("begin", err)
	}
	return &Tx{
		id:         fmt.Sprintf("tx-%d", txSeq.Add(1)),
		capability: opts.Capability,
		tx:         sqlTx,
		release:    release,
		now:        s.now,
	}, nil
}

// Tx is a SQLite transaction. It implements txn.Tx and exposes the query
// methods handlers need.
type Tx struct {
	id         string
	capability txn.Capability
	tx         *sql.Tx
	release    func()
	now        func() time.Time

	mu     sync.Mutex
	status txn.Status
}

func (t *Tx) ID() string { return t.id }

func (t *Tx) Capability() txn.Capability { return t.capability }

func (t *Tx) Status() txn.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tx) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == txn.StatusActive {
		t.status = txn.StatusMarkedRollback
	}
}

// Commit commits, or rolls back and returns txn.ErrRollbackOnly when the
// transaction was marked. Lock contention at commit is a conflict.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case txn.StatusCommitted, txn.StatusRolledBack:
		return txn.ErrFinished
	case txn.StatusMarkedRollback:
		t.finishLocked(txn.StatusRolledBack)
		if err := t.tx.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return txn.ErrRollbackOnly
	}

	if err := t.tx.Commit(); err != nil {
		t.finishLocked(txn.StatusRolledBack)
		_ = t.tx.Rollback()
		return mapErr("commit", err)
	}
	t.finishLocked(txn.StatusCommitted)
	return nil
}

// Rollback is a no-op on a finished transaction.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != txn.StatusActive && t.status != txn.StatusMarkedRollback {
		return nil
	}
	t.finishLocked(txn.StatusRolledBack)
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *Tx) finishLocked(s txn.Status) {
	t.status = s
	t.release()
}

// ExecContext runs a statement. Readonly transactions refuse.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.capability != txn.ReadWrite {
		return nil, ErrReadOnly
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("exec", err)
	}
	return res, nil
}

// QueryContext runs a query. Callers close the rows.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query", err)
	}
	return rows, nil
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// mapErr turns lock contention into a conflict and wraps everything else.
func mapErr(op string, err error) error {
	if isBusy(err) {
		return &txn.ConflictError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
