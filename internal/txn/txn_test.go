package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	status Status
}

func (s *stubTx) ID() string { return "stub" }
func (s *stubTx) Capability() Capability { return ReadWrite }
func (s *stubTx) Commit(ctx context.Context) error { s.status = StatusCommitted; return nil }
func (s *stubTx) Rollback() error { s.status = StatusRolledBack; return nil }
func (s *stubTx) SetRollbackOnly() { s.status = StatusMarkedRollback }
func (s *stubTx) Status() Status { return s.status }

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("readwrite")
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, c)

	c, err = ParseCapability("")
	require.NoError(t, err)
	assert.Equal(t, ReadOnly, c)

	_, err = ParseCapability("write")
	assert.Error(t, err)
}

func TestParsePropagation(t *testing.T) {
	for in, want := range map[string]Propagation{
		"":             None,
		"none":         None,
		"required":     Required,
		"requiresNew":  RequiresNew,
		"requires_new": RequiresNew,
	} {
		got, err := ParsePropagation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePropagation("mandatory")
	assert.Error(t, err)
}

func TestFromContext_OnlyLiveTransactions(t *testing.T) {
	tx := &stubTx{}
	ctx := WithTx(context.Background(), tx)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)

	tx.SetRollbackOnly()
	_, ok = FromContext(ctx)
	assert.True(t, ok, "rollback-only transactions are still active")
	assert.True(t, RollbackOnly(tx))

	require.NoError(t, tx.Rollback())
	_, ok = FromContext(ctx)
	assert.False(t, ok)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestConflictError_MatchesSentinel(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("begin: %w", &ConflictError{Op: "begin", Err: cause})

	assert.True(t, IsConflict(err))
	assert.False(t, IsCapacity(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestIsCapacity(t *testing.T) {
	err := fmt.Errorf("admit writer: %w", ErrCapacity)
	assert.True(t, IsCapacity(err))
	assert.False(t, IsConflict(err))
}
