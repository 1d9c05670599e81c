package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/store"
	"github.com/roach88/txexec/internal/txn"
)

// VersionHeader carries a kv record's version on get and put.
const VersionHeader = "X-Kv-Version"

type putResult struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

// KVGet writes the value stored under the "key" route parameter.
func KVGet(ctx context.Context, x *engine.Exchange) error {
	tx, key, err := kvTx(ctx, x)
	if err != nil {
		return err
	}
	rec, err := tx.Get(ctx, key)
	if err != nil {
		return kvError(err, key)
	}
	x.Response.Header().Set("Content-Type", "application/octet-stream")
	x.Response.Header().Set(VersionHeader, strconv.FormatInt(rec.Version, 10))
	x.Response.WriteHeader(http.StatusOK)
	out, err := x.Response.Body()
	if err != nil {
		return err
	}
	_, err = out.Write(rec.Value)
	return err
}

// KVPut stores the request body under the "key" route parameter, attributed
// to the effective identity.
func KVPut(ctx context.Context, x *engine.Exchange) error {
	tx, key, err := kvTx(ctx, x)
	if err != nil {
		return err
	}
	in, err := x.Request.Body()
	if err != nil {
		return err
	}
	value, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	version, err := tx.Put(ctx, key, value, x.Auth.Effective().Name)
	if err != nil {
		return kvError(err, key)
	}
	x.Response.Header().Set(VersionHeader, strconv.FormatInt(version, 10))
	return writeJSON(x, http.StatusOK, putResult{Key: key, Version: version})
}

// KVDelete removes the "key" route parameter's record.
func KVDelete(ctx context.Context, x *engine.Exchange) error {
	tx, key, err := kvTx(ctx, x)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, key); err != nil {
		return kvError(err, key)
	}
	x.Response.WriteHeader(http.StatusNoContent)
	return nil
}

func kvTx(ctx context.Context, x *engine.Exchange) (*store.Tx, string, error) {
	key := x.Params["key"]
	if key == "" {
		return nil, "", engine.NewError(engine.KindInvalid, "missing key")
	}
	t, ok := txn.FromContext(ctx)
	if !ok {
		return nil, "", engine.NewError(engine.KindInternal, "kv handlers need a transaction")
	}
	tx, ok := t.(*store.Tx)
	if !ok {
		return nil, "", engine.NewError(engine.KindInternal, "kv handlers need a store transaction, got %T", t)
	}
	return tx, key, nil
}

// kvError keeps conflicts retryable and gives the rest a kind.
func kvError(err error, key string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return engine.WrapError(engine.KindNotFound, err, fmt.Sprintf("key %q not found", key))
	case errors.Is(err, store.ErrReadOnly):
		return engine.WrapError(engine.KindInvalid, err, "route is readonly")
	}
	return err
}
