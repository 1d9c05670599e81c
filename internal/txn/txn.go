// Package txn defines the transaction contract the execution engine depends on.
//
// The engine only needs begin/commit/mark-rollback-only/status plus two named
// failure categories: ErrConflict (retry may help) and ErrCapacity (backpressure,
// retry will not help). Concrete managers live elsewhere (see internal/store).
package txn

import (
	"context"
	"fmt"
)

// Capability declares whether a transaction may write.
type Capability int

const (
	ReadOnly Capability = iota
	ReadWrite
)

func (c Capability) String() string {
	switch c {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// ParseCapability parses "readonly" or "readwrite". Empty means readonly.
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "", "readonly":
		return ReadOnly, nil
	case "readwrite":
		return ReadWrite, nil
	default:
		return ReadOnly, fmt.Errorf("unknown transaction capability %q", s)
	}
}

// Propagation declares how a unit of work relates to an active transaction.
type Propagation int

const (
	// None runs the work without any transaction.
	None Propagation = iota
	// Required joins an active transaction or begins one.
	Required
	// RequiresNew always begins a fresh transaction.
	RequiresNew
)

func (p Propagation) String() string {
	switch p {
	case None:
		return "none"
	case Required:
		return "required"
	case RequiresNew:
		return "requiresNew"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation parses "none", "required" or "requiresNew". Empty means none.
func ParsePropagation(s string) (Propagation, error) {
	switch s {
	case "", "none":
		return None, nil
	case "required":
		return Required, nil
	case "requiresNew", "requires_new":
		return RequiresNew, nil
	default:
		return None, fmt.Errorf("unknown transaction propagation %q", s)
	}
}

// Status is the lifecycle state of a transaction handle.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked_rollback"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Options configures Manager.Begin.
type Options struct {
	Capability Capability
	// New forces a fresh transaction. Managers never nest; the flag is carried
	// for diagnostics and for managers that track outer transactions.
	New bool
}

// Manager begins transactions.
type Manager interface {
	Begin(ctx context.Context, opts Options) (Tx, error)
}

// Tx is a live transaction handle.
//
// Commit on a handle marked rollback-only rolls back and returns ErrRollbackOnly.
// Rollback after Commit (or a second Rollback) is a no-op.
type Tx interface {
	ID() string
	Capability() Capability
	Commit(ctx context.Context) error
	Rollback() error
	SetRollbackOnly()
	Status() Status
}

// RollbackOnly reports whether tx has been marked rollback-only.
func RollbackOnly(tx Tx) bool {
	return tx.Status() == StatusMarkedRollback
}

type txKey struct{}

// WithTx returns a context carrying tx as the active transaction.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext returns the active transaction, if any. Finished transactions
// are not reported as active.
func FromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	if !ok || tx == nil {
		return nil, false
	}
	switch tx.Status() {
	case StatusActive, StatusMarkedRollback:
		return tx, true
	default:
		return nil, false
	}
}
