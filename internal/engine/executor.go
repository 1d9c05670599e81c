package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/txn"
)

// Work is one attempt's worth of handler logic. The transaction it runs in,
// if any, is carried by ctx (see txn.FromContext).
type Work func(ctx context.Context) error

// TxSpec is the transaction a unit of work declares.
type TxSpec struct {
	// Name labels attempts in logs and the audit trail.
	Name        string
	Propagation txn.Propagation
	Capability  txn.Capability
}

// Disposition is how an attempt ended.
type Disposition string

const (
	DispositionCommitted Disposition = "committed"
	DispositionRetry     Disposition = "retry"
	DispositionFail      Disposition = "fail"
	DispositionRejected  Disposition = "rejected"
	// DispositionJoined means the work finished inside an outer transaction
	// it does not own.
	DispositionJoined Disposition = "joined"
	// DispositionDone means the work ran without a transaction.
	DispositionDone Disposition = "done"
)

// Attempt records one pass through the work.
type Attempt struct {
	Name        string
	Number      int
	Reset       bool
	TxID        string
	Disposition Disposition
	Err         error
}

// Result is the attempt history of one Run.
type Result struct {
	Attempts []Attempt
}

// Count returns the number of attempts made.
func (r Result) Count() int {
	return len(r.Attempts)
}

// Last returns the final attempt.
func (r Result) Last() (Attempt, bool) {
	if len(r.Attempts) == 0 {
		return Attempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Observer is told about every finished attempt.
type Observer func(ctx context.Context, a Attempt)

// Backoff strategies.
const (
	BackoffFibonacci   = "fibonacci"
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
	BackoffNone        = "none"
)

// RetryPolicy bounds conflict retries. A work that keeps conflicting is
// attempted MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries int
	Backoff    string
	Base       time.Duration
	// Cap limits a single delay. Zero means uncapped.
	Cap time.Duration
}

// DefaultRetryPolicy returns 5 retries on a fibonacci backoff from 10ms capped at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Backoff:    BackoffFibonacci,
		Base:       10 * time.Millisecond,
		Cap:        time.Second,
	}
}

// Validate checks the policy without building a backoff.
func (p RetryPolicy) Validate() error {
	_, err := p.newBackoff()
	return err
}

// newBackoff builds a fresh backoff. Backoffs are stateful, so every Run
// needs its own.
func (p RetryPolicy) newBackoff() (retry.Backoff, error) {
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}

	var b retry.Backoff
	switch p.Backoff {
	case BackoffNone:
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	case "", BackoffFibonacci, BackoffExponential, BackoffConstant:
		if p.Base <= 0 {
			return nil, fmt.Errorf("%s backoff needs a positive base, got %s", p.Backoff, p.Base)
		}
		switch p.Backoff {
		case BackoffExponential:
			b = retry.NewExponential(p.Base)
		case BackoffConstant:
			b = retry.NewConstant(p.Base)
		default:
			b = retry.NewFibonacci(p.Base)
		}
		if p.Cap > 0 {
			b = retry.WithCappedDuration(p.Cap, b)
		}
	default:
		return nil, fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return retry.WithMaxRetries(uint64(p.MaxRetries), b), nil
}

// Executor runs work inside transactions from a txn.Manager, retrying on
// conflict and resetting replayable request/response state between attempts.
//
// Thread-safety: an Executor is safe for concurrent use; each Run is independent.
type Executor struct {
	manager   txn.Manager
	policy    RetryPolicy
	observers []Observer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithObserver adds an attempt observer. Observers run synchronously after
// each attempt, outside its transaction.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		e.observers = append(e.observers, o)
	}
}

func NewExecutor(m txn.Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		manager: m,
		policy:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes work according to spec.
//
//   - None runs work once without a transaction.
//   - Required joins the transaction in ctx when there is one. A joined work
//     runs once; its failure marks the outer transaction rollback-only and is
//     returned so the owner of the outer transaction can decide.
//   - Otherwise each attempt resets the replayables, begins a transaction,
//     runs work and commits. Conflicts are retried up to the policy bound;
//     capacity rejections and any other failure end the run at once.
//
// Replayables that are also a replay.Finisher are finished at the end of each
// attempt, before its transaction commits. When the run succeeds, every
// replayable that is also a replay.Committer is committed exactly once.
func (e *Executor) Run(ctx context.Context, work Work, spec TxSpec, replayables ...replay.Resetter) (Result, error) {
	var res Result
	work = finishing(work, replayables)

	if spec.Propagation == txn.None {
		err := work(ctx)
		e.record(ctx, &res, Attempt{Name: spec.Name, Number: 1, Disposition: finalDisposition(err, DispositionDone), Err: err})
		if err != nil {
			return res, err
		}
		return res, commitAll(replayables)
	}

	if outer, ok := txn.FromContext(ctx); ok && spec.Propagation == txn.Required {
		err := e.join(ctx, outer, work, spec, &res)
		if err != nil {
			return res, err
		}
		return res, commitAll(replayables)
	}

	b, err := e.policy.newBackoff()
	if err != nil {
		return res, fmt.Errorf("retry policy: %w", err)
	}

	n := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		n++
		a := Attempt{Name: spec.Name, Number: n}
		if len(replayables) > 0 {
			if err := resetAll(replayables); err != nil {
				a.Disposition, a.Err = DispositionFail, err
				e.record(ctx, &res, a)
				return fmt.Errorf("reset attempt %d: %w", n, err)
			}
			a.Reset = true
		}

		err := e.attempt(ctx, work, spec, &a)
		a.Err = err
		switch {
		case err == nil:
			a.Disposition = DispositionCommitted
		case txn.IsCapacity(err):
			a.Disposition = DispositionRejected
		case txn.IsConflict(err) && n <= e.policy.MaxRetries:
			a.Disposition = DispositionRetry
		default:
			a.Disposition = DispositionFail
		}
		e.record(ctx, &res, a)

		if a.Disposition == DispositionRetry {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return res, err
	}
	return res, commitAll(replayables)
}

// attempt runs work in a fresh transaction. The transaction is finished on
// every exit path, panics included.
func (e *Executor) attempt(ctx context.Context, work Work, spec TxSpec, a *Attempt) (err error) {
	tx, err := e.manager.Begin(ctx, txn.Options{
		Capability: spec.Capability,
		New:        spec.Propagation == txn.RequiresNew,
	})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	a.TxID = tx.ID()

	slog.Debug("attempt start",
		"correlation_id", CorrelationID(ctx),
		"name", spec.Name,
		"attempt", a.Number,
		"tx", a.TxID,
		"propagation", spec.Propagation.String(),
		"capability", spec.Capability.String())

	defer func() {
		if s := tx.Status(); s == txn.StatusActive || s == txn.StatusMarkedRollback {
			if rerr := tx.Rollback(); rerr != nil {
				slog.Warn("rollback failed", "tx", a.TxID, "error", rerr)
			}
		}
		slog.Debug("attempt end",
			"correlation_id", CorrelationID(ctx),
			"name", spec.Name,
			"attempt", a.Number,
			"tx", a.TxID,
			"propagation", spec.Propagation.String(),
			"capability", spec.Capability.String(),
			"error", err)
	}()

	if err := work(txn.WithTx(ctx, tx)); err != nil {
		if !txn.RollbackOnly(tx) {
			tx.SetRollbackOnly()
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (e *Executor) join(ctx context.Context, outer txn.Tx, work Work, spec TxSpec, res *Result) error {
	err := work(ctx)
	if err != nil && !txn.RollbackOnly(outer) {
		outer.SetRollbackOnly()
	}
	e.record(ctx, res, Attempt{
		Name:        spec.Name,
		Number:      1,
		TxID:        outer.ID(),
		Disposition: finalDisposition(err, DispositionJoined),
		Err:         err,
	})
	return err
}

func (e *Executor) record(ctx context.Context, res *Result, a Attempt) {
	res.Attempts = append(res.Attempts, a)
	attemptsTotal.WithLabelValues(string(a.Disposition)).Inc()
	for _, o := range e.observers {
		o(ctx, a)
	}
}

func finalDisposition(err error, ok Disposition) Disposition {
	if err != nil {
		return DispositionFail
	}
	return ok
}

func resetAll(rs []replay.Resetter) error {
	var errs []error
	for _, r := range rs {
		if err := r.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finishing extends work with the replayables' Finish step so it runs inside
// the attempt, ahead of the transaction commit.
func finishing(work Work, rs []replay.Resetter) Work {
	if len(rs) == 0 {
		return work
	}
	return func(ctx context.Context) error {
		if err := work(ctx); err != nil {
			return err
		}
		for _, r := range rs {
			if f, ok := r.(replay.Finisher); ok {
				if err := f.Finish(); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func commitAll(rs []replay.Resetter) error {
	for _, r := range rs {
		if c, ok := r.(replay.Committer); ok {
			if err := c.Commit(); err != nil {
				return fmt.Errorf("deliver response: %w", err)
			}
		}
	}
	return nil
}
