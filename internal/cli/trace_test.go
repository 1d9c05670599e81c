package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txexec/internal/store"
)

// seedAttempts writes the audit rows of one retried execution and one
// rejected execution.
func seedAttempts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st, err := store.Open(path, store.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for _, r := range []store.AttemptRecord{
		{CorrelationID: "c1", Name: "authenticate", Attempt: 1, Disposition: "committed", TxID: "tx-1"},
		{CorrelationID: "c1", Name: "kv.put", Attempt: 1, Disposition: "retry", TxID: "tx-2", Authenticated: "ops", RunAs: "system", Error: "commit: transaction conflict"},
		{CorrelationID: "c1", Name: "kv.put", Attempt: 2, Disposition: "committed", TxID: "tx-3", Authenticated: "ops", RunAs: "system", Reset: true},
		{CorrelationID: "c2", Name: "kv.put", Attempt: 1, Disposition: "rejected", Error: "begin: capacity"},
	} {
		require.NoError(t, st.RecordAttempt(ctx, r))
	}
	return path
}

func TestTraceCommand_Correlation(t *testing.T) {
	db := seedAttempts(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", db, "--correlation", "c1"})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Trace for correlation id: c1")
	assert.Contains(t, out, "authenticate#1 committed")
	assert.Contains(t, out, "kv.put#1 retry by ops as system")
	assert.Contains(t, out, "Error: commit: transaction conflict")
	assert.Contains(t, out, "kv.put#2 committed (reset) by ops as system")
	assert.Contains(t, out, "Attempts:  3")
	assert.Contains(t, out, "Retried:   1")
	assert.NotContains(t, out, "rejected", "other executions are not shown")
}

func TestTraceCommand_RecentJSON(t *testing.T) {
	db := seedAttempts(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", db, "--limit", "2"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Attempts, 2)
	assert.Equal(t, "c2", resp.Data.Attempts[0].CorrelationID, "newest first")
	assert.Equal(t, "rejected", resp.Data.Attempts[0].Disposition)
	assert.Equal(t, 1, resp.Data.Stats.Rejected)
	assert.Equal(t, 1, resp.Data.Stats.Committed)
}

func TestTraceCommand_Unknown(t *testing.T) {
	db := seedAttempts(t)

	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", db, "--correlation", "nope"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "(no attempts recorded)")
}

func TestTraceCommand_BadLimit(t *testing.T) {
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "x.db"), "--limit", "0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "tx-12", truncateID("tx-12"))
	assert.Equal(t, "0190f1e2...3c4d5e6f", truncateID("0190f1e2-7c3a-7b4e-9d2f-1a2b3c4d5e6f"))
}
