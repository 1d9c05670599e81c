package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/txexec/internal/store"
	"github.com/roach88/txexec/internal/txn"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Steps    []StepResult // Step results for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for i, s := range e.Steps {
			fmt.Fprintf(&buf, "  [%d] %s %s", i+1, s.Name, s.Status)
			for _, a := range s.Attempts {
				fmt.Fprintf(&buf, " %s#%d=%s", a.Name, a.Number, a.Disposition)
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

// checkExpect compares one step against its expect clause.
func checkExpect(got StepResult, want Expect) []string {
	var msgs []string
	mismatch := func(field string, want, got any) {
		msgs = append(msgs, fmt.Sprintf("%s: expected %v, got %v", field, want, got))
	}

	if got.Status != want.Status {
		mismatch("status", want.Status, got.Status)
	}
	if want.Code != 0 && got.Code != want.Code {
		mismatch("code", want.Code, got.Code)
	}
	if want.Kind != "" && got.Kind != want.Kind {
		mismatch("kind", want.Kind, got.Kind)
	}
	if want.Message != "" && got.Message != want.Message {
		mismatch("message", fmt.Sprintf("%q", want.Message), fmt.Sprintf("%q", got.Message))
	}
	if want.Body != nil && got.Body != *want.Body {
		mismatch("body", fmt.Sprintf("%q", *want.Body), fmt.Sprintf("%q", got.Body))
	}
	if want.Attempts != 0 && got.handlerAttempts != want.Attempts {
		mismatch("attempts", want.Attempts, got.handlerAttempts)
	}
	if want.HeaderWrites != nil && got.HeaderWrites != *want.HeaderWrites {
		mismatch("header_writes", *want.HeaderWrites, got.HeaderWrites)
	}
	for name, value := range want.Headers {
		if got.headers[name] != value {
			mismatch("header "+name, fmt.Sprintf("%q", value), fmt.Sprintf("%q", got.headers[name]))
		}
	}
	return msgs
}

// assertDispositionCount checks how many attempts across all steps ended
// with the given disposition.
func assertDispositionCount(steps []StepResult, assertion Assertion) error {
	count := 0
	for _, s := range steps {
		for _, a := range s.Attempts {
			if a.Disposition == assertion.Disposition {
				count++
			}
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertDispositionCount,
			Expected: fmt.Sprintf("%d attempts with disposition %s", assertion.Count, assertion.Disposition),
			Actual:   fmt.Sprintf("%d attempts", count),
			Steps:    steps,
		}
	}
	return nil
}

// assertKV reads the final value of a key from the store.
func assertKV(ctx context.Context, st *store.Store, assertion Assertion) error {
	t, err := st.Begin(ctx, txn.Options{Capability: txn.ReadOnly})
	if err != nil {
		return fmt.Errorf("%s: %w", assertion.Type, err)
	}
	defer t.Rollback()

	rec, err := t.(*store.Tx).Get(ctx, assertion.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if assertion.Type == AssertKVAbsent {
			return nil
		}
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%s = %q", assertion.Key, assertion.Value),
			Actual:   "key not found",
		}
	case err != nil:
		return fmt.Errorf("%s: %w", assertion.Type, err)
	case assertion.Type == AssertKVAbsent:
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%s absent", assertion.Key),
			Actual:   fmt.Sprintf("%s = %q (version %d)", assertion.Key, rec.Value, rec.Version),
		}
	case !bytes.Equal(rec.Value, []byte(assertion.Value)):
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%s = %q", assertion.Key, assertion.Value),
			Actual:   fmt.Sprintf("%s = %q (version %d)", assertion.Key, rec.Value, rec.Version),
		}
	}
	return nil
}

// AssertionContext provides context for evaluating assertions that need
// database access.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for kv assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDispositionCount:
			err = assertDispositionCount(result.Steps, assertion)
		case AssertKVValue, AssertKVAbsent:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
			} else {
				err = assertKV(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
