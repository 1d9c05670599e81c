package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict reports contention. The attempt may succeed if retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrCapacity reports that no more concurrent writers can be admitted.
	ErrCapacity = errors.New("transaction capacity exceeded")

	// ErrRollbackOnly is returned by Commit on a handle marked rollback-only.
	ErrRollbackOnly = errors.New("transaction marked rollback-only")

	// ErrFinished is returned when a committed or rolled back handle is reused.
	ErrFinished = errors.New("transaction already finished")
)

// ConflictError carries the cause of a conflict. It matches ErrConflict.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, ErrConflict, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is (or wraps) a conflict failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsCapacity reports whether err is (or wraps) a capacity rejection.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}
