package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txexec/internal/txn"
)

func TestManager_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	m := NewManager().FailBegin(txn.ErrCapacity, nil).FailCommit(txn.ErrConflict)

	_, err := m.Begin(ctx, txn.Options{})
	assert.ErrorIs(t, err, txn.ErrCapacity)

	tx, err := m.Begin(ctx, txn.Options{Capability: txn.ReadWrite})
	require.NoError(t, err)
	assert.Equal(t, txn.ReadWrite, tx.Capability())
	assert.ErrorIs(t, tx.Commit(ctx), txn.ErrConflict)
	assert.Equal(t, txn.StatusRolledBack, tx.Status())

	tx, err = m.Begin(ctx, txn.Options{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), txn.ErrFinished)

	assert.Equal(t, 3, m.BeginCalls())
	assert.Len(t, m.Transactions(), 2)
	assert.Equal(t, 1, m.Count(txn.StatusCommitted))
}

func TestTx_RollbackOnly(t *testing.T) {
	ctx := context.Background()
	tx, err := NewManager().Begin(ctx, txn.Options{})
	require.NoError(t, err)

	tx.SetRollbackOnly()
	assert.True(t, txn.RollbackOnly(tx))
	assert.ErrorIs(t, tx.Commit(ctx), txn.ErrRollbackOnly)
	assert.Equal(t, txn.StatusRolledBack, tx.Status())
	assert.NoError(t, tx.Rollback(), "rollback after finish is a no-op")
}
