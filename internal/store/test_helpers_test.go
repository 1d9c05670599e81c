package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/txexec/internal/txn"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// begin starts a transaction and fails the test on error.
func begin(t *testing.T, s *Store, c txn.Capability) *Tx {
	t.Helper()
	tx, err := s.Begin(context.Background(), txn.Options{Capability: c})
	if err != nil {
		t.Fatalf("Begin(%s) failed: %v", c, err)
	}
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx.(*Tx)
}
