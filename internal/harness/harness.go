package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/builtin"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/spill"
	"github.com/roach88/txexec/internal/store"
	"github.com/roach88/txexec/internal/testutil"
	"github.com/roach88/txexec/internal/txn"
)

// DefaultRetries is the conflict retry bound when a scenario sets none.
const DefaultRetries = 3

// Harness is the test execution engine for one scenario.
type Harness struct {
	scenario  *Scenario
	container *engine.Container
	authn     auth.Authenticator
	handlers  builtin.Registry

	fake  *testutil.Manager
	store *store.Store

	mu       sync.Mutex
	attempts map[string][]AttemptTrace
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh temporary directory that holds the spill
// files and, for "store: sqlite", the database.
//
// Execution flow:
// 1. Build the manager, executor and container from the scenario settings
// 2. Run every step in order, checking its expect clause
// 3. Evaluate the scenario assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "txexec-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for _, step := range scenario.Steps {
		got, err := h.runStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		result.Steps = append(result.Steps, got)
		if got.unused > 0 {
			result.AddError(fmt.Sprintf("step %q: %d scripted failures were never reached", step.Name, got.unused))
		}
		if step.Expect != nil {
			for _, msg := range checkExpect(got, *step.Expect) {
				result.AddError(fmt.Sprintf("step %q: %s", step.Name, msg))
			}
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, dir string) (*Harness, error) {
	h := &Harness{
		scenario: s,
		handlers: builtin.Default(),
		attempts: make(map[string][]AttemptTrace),
	}

	var mgr txn.Manager
	if s.Store == StoreSQLite {
		st, err := store.Open(filepath.Join(dir, "scenario.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		h.store, mgr = st, st
	} else {
		h.fake = testutil.NewManager()
		mgr = h.fake
	}

	retries := DefaultRetries
	if s.Retries != nil {
		retries = *s.Retries
	}
	exec := engine.NewExecutor(mgr,
		engine.WithRetryPolicy(engine.RetryPolicy{MaxRetries: retries, Backoff: engine.BackoffNone}),
		engine.WithObserver(h.observe))

	opts := []engine.ContainerOption{
		engine.WithIDGenerator(testutil.NewSequentialIDs(s.Name)),
		engine.WithSpillOptions(spill.Options{
			MemoryThreshold: s.MemoryThreshold,
			MaxSize:         s.MaxContentSize,
			TempDir:         dir,
		}),
	}
	if s.MinAuth != "" {
		level, err := auth.ParseLevel(s.MinAuth)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("min_auth: %w", err)
		}
		opts = append(opts, engine.WithMinLevel(level))
	}
	if len(s.PublicErrorKinds) > 0 || len(s.SuppressedErrorKinds) > 0 {
		public := s.PublicErrorKinds
		if len(public) == 0 {
			public = []string{engine.KindInvalid.String(), engine.KindNotFound.String()}
		}
		vis, err := engine.NewVisibility(public, s.SuppressedErrorKinds)
		if err != nil {
			h.close()
			return nil, err
		}
		opts = append(opts, engine.WithVisibility(vis))
	}
	if s.PreserveHeaders != "" {
		m, err := replay.MatchHeaders(s.PreserveHeaders)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("preserve_headers: %w", err)
		}
		opts = append(opts, engine.WithPreservedHeaders(m))
	}
	h.container = engine.NewContainer(exec, opts...)

	tokens := auth.Static{}
	for token, id := range s.Identities {
		roles := make([]authctx.Role, 0, len(id.Roles))
		for _, r := range id.Roles {
			roles = append(roles, authctx.Role(r))
		}
		tokens[token] = authctx.NewIdentity(id.Name, roles...)
	}
	h.authn = tokens
	return h, nil
}

func (h *Harness) close() {
	if h.store != nil {
		h.store.Close()
	}
}

func (h *Harness) observe(ctx context.Context, a engine.Attempt) {
	t := AttemptTrace{
		Name:        a.Name,
		Number:      a.Number,
		Disposition: string(a.Disposition),
		Reset:       a.Reset,
	}
	if a.Err != nil {
		t.Error = a.Err.Error()
	}
	id := engine.CorrelationID(ctx)
	h.mu.Lock()
	h.attempts[id] = append(h.attempts[id], t)
	h.mu.Unlock()
}

func (h *Harness) runStep(ctx context.Context, step Step) (StepResult, error) {
	req, err := step.Route.Request()
	if err != nil {
		return StepResult{}, err
	}
	if req.Handler == "" {
		req.Handler = step.Route.Handler
	}

	var handler engine.Handler
	if step.Route.Handler == ScriptHandler {
		handler = scriptHandler(step.Script)
	} else if handler, err = h.handlers.Lookup(step.Route.Handler); err != nil {
		return StepResult{}, err
	}

	if h.fake != nil {
		h.fake.FailBegin(failures(step.FailBegin)...)
		h.fake.FailCommit(failures(step.FailCommit)...)
	}

	sink := testutil.NewSink()
	out := h.container.Execute(ctx, engine.Call{
		Request:     req,
		Source:      replay.Source{Header: http.Header{}, Body: strings.NewReader(step.Body)},
		Sink:        sink,
		Credentials: auth.Credentials{Token: step.Token, Subject: step.Name},
		Params:      step.Params,
	}, handler, h.authn)

	got := StepResult{
		Name:            step.Name,
		CorrelationID:   out.CorrelationID,
		Status:          string(out.Status),
		Code:            out.Code,
		Message:         out.Message,
		Body:            sink.Body.String(),
		HeaderWrites:    sink.HeaderWrites(),
		handlerAttempts: out.Attempts,
		headers:         map[string]string{},
	}
	if !out.OK() {
		got.Kind = out.Kind.String()
	}
	for name := range sink.Header() {
		got.headers[name] = sink.Header().Get(name)
	}
	h.mu.Lock()
	got.Attempts = append([]AttemptTrace{}, h.attempts[out.CorrelationID]...)
	h.mu.Unlock()

	if h.fake != nil {
		if b, c := h.fake.Pending(); b > 0 || c > 0 {
			got.unused = b + c
		}
		h.fake.ClearFailures()
	}
	return got, nil
}

// scriptHandler follows script, one action per attempt.
func scriptHandler(script []Action) engine.Handler {
	n := 0
	return engine.HandlerFunc(func(ctx context.Context, x *engine.Exchange) error {
		a := script[min(n, len(script)-1)]
		n++

		for name, value := range a.Header {
			x.Response.Header().Set(name, value)
		}
		if a.Code != 0 {
			x.Response.WriteHeader(a.Code)
		}
		w, err := x.Response.Body()
		if err != nil {
			return err
		}
		if a.Echo {
			in, err := x.Request.Body()
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, in); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, a.Write); err != nil {
			return err
		}
		if a.Fail == "panic" {
			panic("scripted panic")
		}
		if a.Fail == "" {
			return nil
		}
		return mustFailure(a.Fail)
	})
}

// failure maps a scripted failure name to the error the engine would see.
// Error kind names ("invalid", "not_found", ...) become *engine.Error. "ok"
// maps to nil, which lets a queued Begin or Commit succeed. "panic" also maps
// to nil; the script handler panics instead of returning.
func failure(name string) (error, bool) {
	switch name {
	case "ok", "panic":
		return nil, true
	case "conflict":
		return &txn.ConflictError{Op: "script"}, true
	case "capacity":
		return txn.ErrCapacity, true
	case "too_large":
		return spill.ErrContentTooLarge, true
	case "peer_closed":
		return replay.ErrPeerClosed, true
	case "unauthenticated":
		return auth.ErrUnauthenticated, true
	case "error":
		return errors.New("scripted failure"), true
	}
	kind, err := engine.ParseKind(name)
	if err != nil {
		return nil, false
	}
	return engine.NewError(kind, "scripted %s", name), true
}

func mustFailure(name string) error {
	err, ok := failure(name)
	if !ok {
		panic(fmt.Sprintf("unknown failure %q", name))
	}
	return err
}

func failures(names []string) []error {
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, mustFailure(name))
	}
	return errs
}
