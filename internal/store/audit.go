package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/engine"
)

// AttemptRecord is one row of the attempts audit trail.
type AttemptRecord struct {
	ID            int64
	CorrelationID string
	Name          string
	Attempt       int
	TxID          string
	Disposition   string
	Reset         bool
	Authenticated string
	RunAs         string
	Error         string
	RecordedAt    time.Time
}

// RecordAttempt appends r to the audit trail. It runs in its own autocommit
// statement, outside any handler transaction, so rolled-back attempts are
// still recorded.
func (s *Store) RecordAttempt(ctx context.Context, r AttemptRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO attempts
		(correlation_id, name, attempt, tx_id, disposition, reset, authenticated, run_as, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.CorrelationID,
		r.Name,
		r.Attempt,
		r.TxID,
		r.Disposition,
		r.Reset,
		r.Authenticated,
		r.RunAs,
		r.Error,
		r.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts returns the audit rows of one execution in the order they were written.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) Attempts(ctx context.Context, correlationID string) ([]AttemptRecord, error) {
	return s.queryAttempts(ctx, `
		SELECT id, correlation_id, name, attempt, tx_id, disposition, reset, authenticated, run_as, error, recorded_at
		FROM attempts
		WHERE correlation_id = ?
		ORDER BY id ASC
	`, correlationID)
}

// RecentAttempts returns the newest limit rows, newest first.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]AttemptRecord, error) {
	return s.queryAttempts(ctx, `
		SELECT id, correlation_id, name, attempt, tx_id, disposition, reset, authenticated, run_as, error, recorded_at
		FROM attempts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]AttemptRecord, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	records := []AttemptRecord{}
	for rows.Next() {
		var (
			r  AttemptRecord
			at string
		)
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.Name, &r.Attempt, &r.TxID, &r.Disposition,
			&r.Reset, &r.Authenticated, &r.RunAs, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if r.RecordedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("attempt %d: parse recorded_at: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

// AuditObserver returns an engine.Observer that records every attempt along
// with the identities in the context's authctx.Stack. Failures to record are
// logged; they never fail the execution.
func (s *Store) AuditObserver() engine.Observer {
	return func(ctx context.Context, a engine.Attempt) {
		r := AttemptRecord{
			CorrelationID: engine.CorrelationID(ctx),
			Name:          a.Name,
			Attempt:       a.Number,
			TxID:          a.TxID,
			Disposition:   string(a.Disposition),
			Reset:         a.Reset,
		}
		if a.Err != nil {
			r.Error = a.Err.Error()
		}
		if stack, ok := authctx.FromContext(ctx); ok {
			if id := stack.Authenticated(); !id.IsZero() {
				r.Authenticated = id.Name
			}
			if id := stack.RunAs(); !id.IsZero() {
				r.RunAs = id.Name
			}
		}
		if err := s.RecordAttempt(context.WithoutCancel(ctx), r); err != nil {
			slog.Warn("audit write failed", "correlation_id", r.CorrelationID, "error", err)
		}
	}
}
