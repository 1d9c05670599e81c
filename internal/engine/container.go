package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/spill"
	"github.com/roach88/txexec/internal/txn"
)

// ExecutionRequest is what a handler declares about itself. It is built once
// per call and never modified.
type ExecutionRequest struct {
	Handler      string
	RequiredAuth auth.Level
	Transaction  txn.Propagation
	Capability   txn.Capability
	// BufferSize is the buffering hint. Positive enables replay buffering for
	// readwrite transactions and caps the in-memory part of each buffer.
	BufferSize int64
	// RunAs is the identity a level-none handler executes as.
	RunAs authctx.Identity
}

// Buffered reports whether the request and response are captured for replay.
func (r ExecutionRequest) Buffered() bool {
	return r.Transaction != txn.None && r.Capability == txn.ReadWrite && r.BufferSize > 0
}

// Call is one inbound invocation.
type Call struct {
	Request     ExecutionRequest
	Source      replay.Source
	Sink        replay.Sink
	Credentials auth.Credentials
	// Params are the route parameters the transport extracted.
	Params map[string]string
	// Stack is the caller's identity stack. Nil means the container uses the
	// stack in ctx, or a fresh one.
	Stack *authctx.Stack
}

// Exchange is what a handler sees on each attempt.
type Exchange struct {
	Request  replay.Request
	Response replay.Response
	Auth     *authctx.Stack
	Params   map[string]string
	// CorrelationID tags this execution in logs and the audit trail.
	CorrelationID string
}

// Handler is the business logic behind a route. Serve may run several times
// per call, once per attempt.
type Handler interface {
	Serve(ctx context.Context, x *Exchange) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, x *Exchange) error

func (f HandlerFunc) Serve(ctx context.Context, x *Exchange) error {
	return f(ctx, x)
}

// Container authenticates a call, runs its handler through an Executor and
// turns whatever escapes into an Outcome.
type Container struct {
	exec       *Executor
	minLevel   auth.Level
	spill      spill.Options
	preserve   replay.HeaderMatcher
	visibility Visibility
	ids        IDGenerator
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithMinLevel raises every non-guest call to at least level.
func WithMinLevel(level auth.Level) ContainerOption {
	return func(c *Container) {
		c.minLevel = level
	}
}

// WithSpillOptions sets the buffer options for replayable requests and responses.
func WithSpillOptions(opts spill.Options) ContainerOption {
	return func(c *Container) {
		c.spill = opts
	}
}

// WithPreservedHeaders keeps matching response headers across attempts.
func WithPreservedHeaders(m replay.HeaderMatcher) ContainerOption {
	return func(c *Container) {
		c.preserve = m
	}
}

func WithVisibility(v Visibility) ContainerOption {
	return func(c *Container) {
		c.visibility = v
	}
}

func WithIDGenerator(g IDGenerator) ContainerOption {
	return func(c *Container) {
		c.ids = g
	}
}

func NewContainer(exec *Executor, opts ...ContainerOption) *Container {
	c := &Container{
		exec:       exec,
		visibility: DefaultVisibility(),
		ids:        UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs h for call and classifies the result.
//
// The identity stack is restored to its entry depth before Execute returns,
// whatever happened inside.
func (c *Container) Execute(ctx context.Context, call Call, h Handler, authn auth.Authenticator) (out Outcome) {
	id := c.ids.Generate()
	ctx = WithCorrelationID(ctx, id)

	stack := call.Stack
	if stack == nil {
		if s, ok := authctx.FromContext(ctx); ok {
			stack = s
		} else {
			stack = authctx.New()
		}
	}
	ctx = authctx.NewContext(ctx, stack)

	defer func() {
		outcomesTotal.WithLabelValues(string(out.Status)).Inc()
	}()

	_ = stack.Do(func() error {
		defer func() {
			if r := recover(); r != nil {
				out = c.classify(ctx, WrapError(KindInternal, fmt.Errorf("%v", r), "handler panic"), Result{})
			}
		}()
		out = c.execute(ctx, call, h, authn, stack)
		return nil
	})
	return out
}

func (c *Container) execute(ctx context.Context, call Call, h Handler, authn auth.Authenticator, stack *authctx.Stack) Outcome {
	req := call.Request
	level := c.effectiveLevel(req.RequiredAuth, call.Credentials)

	if level == auth.LevelNone {
		if !req.RunAs.IsZero() {
			stack.SetRunAs(req.RunAs)
		}
		return c.run(ctx, call, h, stack)
	}

	if call.Credentials.IsGuest() && level > auth.LevelGuest {
		return c.classify(ctx, WrapError(KindUnauthorized, auth.ErrUnauthenticated,
			fmt.Sprintf("%s requires %s", req.Handler, level)), Result{})
	}

	identity, err := c.authenticate(ctx, authn, call.Credentials, level)
	if err != nil {
		if KindOf(err) != KindCapacity {
			err = WrapError(KindUnauthorized, err, "authentication failed")
		}
		return c.classify(ctx, err, Result{})
	}
	if !auth.Qualifies(identity, level) {
		return c.classify(ctx, NewError(KindUnauthorized, "%s may not run %s (requires %s)", identity, req.Handler, level), Result{})
	}

	stack.SetAuthenticated(identity)
	if level == auth.LevelSysAdmin && identity.Has(authctx.RoleSysAdmin) && !identity.Has(authctx.RoleAdmin) {
		stack.SetRunAs(authctx.System)
	}
	return c.run(ctx, call, h, stack)
}

// effectiveLevel is max(declared, container minimum), except that guest
// credentials are never raised past what the handler declared.
func (c *Container) effectiveLevel(declared auth.Level, creds auth.Credentials) auth.Level {
	if creds.IsGuest() || c.minLevel <= declared {
		return declared
	}
	return c.minLevel
}

// authenticate verifies creds inside a short readonly transaction.
func (c *Container) authenticate(ctx context.Context, authn auth.Authenticator, creds auth.Credentials, level auth.Level) (authctx.Identity, error) {
	if authn == nil {
		return authctx.Identity{}, auth.ErrUnauthenticated
	}
	var id authctx.Identity
	_, err := c.exec.Run(ctx, func(ctx context.Context) error {
		var err error
		id, err = authn.Authenticate(ctx, creds, level)
		return err
	}, TxSpec{Name: "authenticate", Propagation: txn.Required, Capability: txn.ReadOnly})
	if err != nil {
		return authctx.Identity{}, err
	}
	return id, nil
}

func (c *Container) run(ctx context.Context, call Call, h Handler, stack *authctx.Stack) Outcome {
	req := call.Request
	x := &Exchange{Auth: stack, Params: call.Params, CorrelationID: CorrelationID(ctx)}
	spec := TxSpec{Name: req.Handler, Propagation: req.Transaction, Capability: req.Capability}

	var (
		res Result
		err error
	)
	if req.Buffered() {
		opts := c.spill
		if opts.MemoryThreshold <= 0 || req.BufferSize < opts.MemoryThreshold {
			opts.MemoryThreshold = req.BufferSize
		}
		in := replay.NewRequest(call.Source, opts)
		out := replay.NewResponse(call.Sink, opts, c.preserve)
		defer func() {
			if cerr := in.Close(); cerr != nil {
				slog.Warn("release request buffer", "correlation_id", x.CorrelationID, "error", cerr)
			}
			if cerr := out.Close(); cerr != nil {
				slog.Warn("release response buffer", "correlation_id", x.CorrelationID, "error", cerr)
			}
		}()
		x.Request, x.Response = in, out
		res, err = c.exec.Run(ctx, serve(h, x), spec, in, out)
		if err == nil {
			return c.ok(x.CorrelationID, res, out.Status())
		}
		return c.classify(ctx, err, res)
	}

	out := replay.NewDirectResponse(call.Sink)
	x.Request, x.Response = replay.NewDirectRequest(call.Source), out
	res, err = c.exec.Run(ctx, serve(h, x), spec)
	if err == nil {
		err = out.Commit()
	}
	if err != nil {
		return c.classify(ctx, err, res)
	}
	return c.ok(x.CorrelationID, res, 0)
}

func serve(h Handler, x *Exchange) Work {
	return func(ctx context.Context) error {
		return h.Serve(ctx, x)
	}
}

func (c *Container) ok(id string, res Result, status int) Outcome {
	if status == 0 {
		status = http.StatusOK
	}
	return Outcome{Status: StatusOK, Code: status, CorrelationID: id, Attempts: res.Count()}
}

// classify maps a failure to its protocol outcome and logs it at the level
// its kind calls for.
func (c *Container) classify(ctx context.Context, err error, res Result) Outcome {
	id := CorrelationID(ctx)
	kind := KindOf(err)
	out := Outcome{
		Kind:          kind,
		CorrelationID: id,
		Attempts:      res.Count(),
		Err:           err,
	}

	switch kind {
	case KindUnauthorized:
		out.Status, out.Code, out.Message = StatusUnauthorized, http.StatusUnauthorized, "unauthorized"
		slog.Info("unauthorized", "correlation_id", id, "error", err)
	case KindCapacity:
		out.Status, out.Code, out.Message = StatusUnavailable, http.StatusServiceUnavailable, "service unavailable, try again later"
		slog.Warn("capacity rejected", "correlation_id", id, "error", err)
	case KindTooLarge:
		out.Status, out.Code, out.Message = StatusTooLarge, http.StatusRequestEntityTooLarge, "content too large"
		slog.Info("content too large", "correlation_id", id, "error", err)
	case KindArchived:
		out.Status, out.Code, out.Message = StatusPreconditionFailed, http.StatusPreconditionFailed, publicMessage(err)
		slog.Debug("archived content", "correlation_id", id, "error", err)
	case KindPeerClosed:
		out.Status = StatusAbandoned
		slog.Info("client went away", "correlation_id", id, "error", err)
	default:
		out.Status, out.Code = StatusFailed, kind.httpStatus()
		if c.visibility.Shows(kind) {
			out.Message = publicMessage(err)
		} else {
			out.Message = fmt.Sprintf("internal error (correlation id %s)", id)
		}
		slog.Error("execution failed", "correlation_id", id, "kind", kind.String(), "attempts", out.Attempts, "error", err)
	}
	return out
}
