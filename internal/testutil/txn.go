package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/txexec/internal/txn"
)

// Manager is an in-memory txn.Manager whose Begin and Commit failures can be
// scripted. Scripted errors are consumed in order; once a script runs out,
// the operation succeeds.
//
// Thread-safety: Manager and its transactions are safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	beginErrs   []error
	commitErrs  []error
	txs         []*Tx
	beginCalls  int
	commitCalls int
}

func NewManager() *Manager {
	return &Manager{}
}

// FailBegin queues errors for the next Begin calls. A nil entry lets that call succeed.
func (m *Manager) FailBegin(errs ...error) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginErrs = append(m.beginErrs, errs...)
	return m
}

// FailCommit queues errors for the next Commit calls. A nil entry lets that call succeed.
func (m *Manager) FailCommit(errs ...error) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErrs = append(m.commitErrs, errs...)
	return m
}

// Pending returns how many scripted begin and commit failures are unused.
func (m *Manager) Pending() (begin, commit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beginErrs), len(m.commitErrs)
}

// ClearFailures drops every unused scripted failure.
func (m *Manager) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginErrs, m.commitErrs = nil, nil
}

// Begin implements txn.Manager.
func (m *Manager) Begin(ctx context.Context, opts txn.Options) (txn.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginCalls++
	if len(m.beginErrs) > 0 {
		err := m.beginErrs[0]
		m.beginErrs = m.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	tx := &Tx{
		m:    m,
		id:   fmt.Sprintf("tx-%d", len(m.txs)+1),
		opts: opts,
	}
	m.txs = append(m.txs, tx)
	return tx, nil
}

// BeginCalls returns how many times Begin was called, failed calls included.
func (m *Manager) BeginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginCalls
}

// Transactions returns every transaction begun so far, oldest first.
func (m *Manager) Transactions() []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Tx(nil), m.txs...)
}

// Count returns how many transactions ended in status s.
func (m *Manager) Count(s txn.Status) int {
	n := 0
	for _, tx := range m.Transactions() {
		if tx.Status() == s {
			n++
		}
	}
	return n
}

func (m *Manager) nextCommitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++
	if len(m.commitErrs) == 0 {
		return nil
	}
	err := m.commitErrs[0]
	m.commitErrs = m.commitErrs[1:]
	return err
}

// Tx is a transaction handed out by Manager.
type Tx struct {
	m    *Manager
	id   string
	opts txn.Options

	mu     sync.Mutex
	status txn.Status
}

func (t *Tx) ID() string { return t.id }

func (t *Tx) Capability() txn.Capability { return t.opts.Capability }

// Options returns what Begin was called with.
func (t *Tx) Options() txn.Options { return t.opts }

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

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case txn.StatusCommitted, txn.StatusRolledBack:
		return txn.ErrFinished
	case txn.StatusMarkedRollback:
		t.status = txn.StatusRolledBack
		return txn.ErrRollbackOnly
	}
	if err := t.m.nextCommitErr(); err != nil {
		t.status = txn.StatusRolledBack
		return err
	}
	t.status = txn.StatusCommitted
	return nil
}

func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == txn.StatusActive || t.status == txn.StatusMarkedRollback {
		t.status = txn.StatusRolledBack
	}
	return nil
}
