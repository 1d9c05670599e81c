package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Record is a versioned kv value.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedBy string
	UpdatedAt time.Time
}

// Get reads key.
func (t *Tx) Get(ctx context.Context, key string) (Record, error) {
	var (
		r  = Record{Key: key}
		at string
	)
	err := t.QueryRowContext(ctx, `
		SELECT value, version, updated_by, updated_at
		FROM kv
		WHERE key = ?
	`, key).Scan(&r.Value, &r.Version, &r.UpdatedBy, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, mapErr("get", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Record{}, fmt.Errorf("get %q: parse updated_at: %w", key, err)
	}
	return r, nil
}

// Put writes key and returns its new version. Versions start at 1.
func (t *Tx) Put(ctx context.Context, key string, value []byte, by string) (int64, error) {
	var version int64
	err := t.QueryRowContext(ctx, `SELECT version FROM kv WHERE key = ?`, key).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, mapErr("put", err)
	}
	version++

	if _, err := t.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`, key, value, version, by, t.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, err
	}
	return version, nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (t *Tx) Delete(ctx context.Context, key string) error {
	res, err := t.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return nil
}
