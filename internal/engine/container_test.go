package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/spill"
	"github.com/roach88/txexec/internal/testutil"
	"github.com/roach88/txexec/internal/txn"
)

var (
	alice = authctx.NewIdentity("alice", authctx.RoleUser)
	ops   = authctx.NewIdentity("ops", authctx.RoleSysAdmin)
	root  = authctx.NewIdentity("root", authctx.RoleSysAdmin, authctx.RoleAdmin)

	tokens = auth.Static{"alice": alice, "ops": ops, "root": root}
)

type fixture struct {
	m    *testutil.Manager
	c    *Container
	sink *testutil.Sink
}

func newFixture(t *testing.T, opts ...ContainerOption) *fixture {
	t.Helper()
	m := testutil.NewManager()
	exec := NewExecutor(m, WithRetryPolicy(noDelay(3)))
	base := []ContainerOption{
		WithIDGenerator(testutil.NewSequentialIDs("corr")),
		WithSpillOptions(spill.Options{TempDir: t.TempDir()}),
	}
	return &fixture{
		m:    m,
		c:    NewContainer(exec, append(base, opts...)...),
		sink: testutil.NewSink(),
	}
}

func (f *fixture) call(req ExecutionRequest, token string, body string) Call {
	return Call{
		Request:     req,
		Source:      replay.Source{Header: http.Header{}, Body: strings.NewReader(body)},
		Sink:        f.sink,
		Credentials: auth.Credentials{Token: token},
	}
}

func userRW(handler string) ExecutionRequest {
	return ExecutionRequest{
		Handler:      handler,
		RequiredAuth: auth.LevelUser,
		Transaction:  txn.Required,
		Capability:   txn.ReadWrite,
		BufferSize:   1024,
	}
}

// countingAuth counts calls to the wrapped authenticator.
type countingAuth struct {
	next  auth.Authenticator
	calls int
}

func (a *countingAuth) Authenticate(ctx context.Context, creds auth.Credentials, level auth.Level) (authctx.Identity, error) {
	a.calls++
	return a.next.Authenticate(ctx, creds, level)
}

func writeBody(x *Exchange, s string) error {
	w, err := x.Response.Body()
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

// TestExecute_GuestRejectedFromUserHandler tests that guests never reach the authenticator or handler.
func TestExecute_GuestRejectedFromUserHandler(t *testing.T) {
	f := newFixture(t)
	authn := &countingAuth{next: tokens}
	called := false

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		called = true
		return nil
	}), authn)

	assert.Equal(t, StatusUnauthorized, out.Status)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
	assert.False(t, called)
	assert.Zero(t, authn.calls)
	assert.Equal(t, "corr-1", out.CorrelationID)
}

// TestExecute_SysadminRunsAsSystem tests the sysadmin impersonation rule.
func TestExecute_SysadminRunsAsSystem(t *testing.T) {
	f := newFixture(t)
	req := userRW("admin-tool")
	req.RequiredAuth = auth.LevelSysAdmin

	var effective, authenticated authctx.Identity
	out := f.c.Execute(context.Background(), f.call(req, "ops", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		effective, authenticated = x.Auth.Effective(), x.Auth.Authenticated()
		return nil
	}), tokens)

	require.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, authctx.System, effective)
	assert.Equal(t, ops, authenticated)
}

// TestExecute_SuperAdminKeepsOwnIdentity tests that super-admins are not impersonated.
func TestExecute_SuperAdminKeepsOwnIdentity(t *testing.T) {
	f := newFixture(t)
	req := userRW("admin-tool")
	req.RequiredAuth = auth.LevelSysAdmin

	var effective authctx.Identity
	out := f.c.Execute(context.Background(), f.call(req, "root", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		effective = x.Auth.Effective()
		return nil
	}), tokens)

	require.True(t, out.OK())
	assert.Equal(t, root, effective)
}

// TestExecute_RoleChecks tests guest, sysadmin and admin exclusion.
func TestExecute_RoleChecks(t *testing.T) {
	tests := []struct {
		token string
		level auth.Level
		want  Status
	}{
		{"alice", auth.LevelUser, StatusOK},
		{"alice", auth.LevelSysAdmin, StatusUnauthorized},
		{"ops", auth.LevelAdmin, StatusUnauthorized},
		{"root", auth.LevelAdmin, StatusOK},
		{"forged", auth.LevelUser, StatusUnauthorized},
		{"", auth.LevelGuest, StatusOK},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%s", tt.token, tt.level), func(t *testing.T) {
			f := newFixture(t)
			req := userRW("h")
			req.RequiredAuth = tt.level
			out := f.c.Execute(context.Background(), f.call(req, tt.token, ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
				return nil
			}), tokens)
			assert.Equal(t, tt.want, out.Status, "outcome: %+v", out)
		})
	}
}

// TestExecute_AuthenticatesInReadonlyTransaction tests where the authenticator runs.
func TestExecute_AuthenticatesInReadonlyTransaction(t *testing.T) {
	f := newFixture(t)
	var capability txn.Capability = -1
	authn := auth.AuthenticatorFunc(func(ctx context.Context, creds auth.Credentials, level auth.Level) (authctx.Identity, error) {
		tx, ok := txn.FromContext(ctx)
		require.True(t, ok)
		capability = tx.Capability()
		return alice, nil
	})

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return nil
	}), authn)

	require.True(t, out.OK())
	assert.Equal(t, txn.ReadOnly, capability)
	assert.Equal(t, 1, out.Attempts, "authentication attempts are not counted against the handler")
}

// TestExecute_MinLevel tests container-wide escalation and the guest exemption.
func TestExecute_MinLevel(t *testing.T) {
	f := newFixture(t, WithMinLevel(auth.LevelSysAdmin))
	req := userRW("h")
	h := HandlerFunc(func(ctx context.Context, x *Exchange) error { return nil })

	out := f.c.Execute(context.Background(), f.call(req, "alice", ""), h, tokens)
	assert.Equal(t, StatusUnauthorized, out.Status, "user escalated to sysadmin")

	req.RequiredAuth = auth.LevelGuest
	out = f.c.Execute(context.Background(), f.call(req, "", ""), h, tokens)
	assert.Equal(t, StatusOK, out.Status, "guest credentials stay at the declared level")
}

// TestExecute_LevelNoneRunsAsDeclared tests anonymous handlers with a run-as identity.
func TestExecute_LevelNoneRunsAsDeclared(t *testing.T) {
	f := newFixture(t)
	svc := authctx.NewIdentity("indexer", authctx.RoleUser)
	req := ExecutionRequest{Handler: "cron", RunAs: svc}
	authn := &countingAuth{next: tokens}

	var effective authctx.Identity
	out := f.c.Execute(context.Background(), f.call(req, "", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		effective = x.Auth.Effective()
		return nil
	}), authn)

	require.True(t, out.OK())
	assert.Equal(t, svc, effective)
	assert.Zero(t, authn.calls)
	assert.Zero(t, f.m.BeginCalls())
}

// TestExecute_StackDepthRestored tests that every exit path leaves the stack as it found it.
func TestExecute_StackDepthRestored(t *testing.T) {
	handlers := map[string]Handler{
		"success": HandlerFunc(func(ctx context.Context, x *Exchange) error {
			x.Auth.Push()
			return nil
		}),
		"failure": HandlerFunc(func(ctx context.Context, x *Exchange) error {
			x.Auth.Push()
			x.Auth.Push()
			return errors.New("boom")
		}),
		"panic": HandlerFunc(func(ctx context.Context, x *Exchange) error {
			x.Auth.Push()
			panic("bug")
		}),
	}
	for name, h := range handlers {
		for _, token := range []string{"alice", ""} {
			t.Run(name+"/"+token, func(t *testing.T) {
				f := newFixture(t)
				stack := authctx.New()
				stack.SetAuthenticated(authctx.NewIdentity("outer"))
				stack.Push()
				depth := stack.Depth()

				call := f.call(userRW("h"), token, "")
				call.Stack = stack
				_ = f.c.Execute(context.Background(), call, h, tokens)

				assert.Equal(t, depth, stack.Depth())
				assert.Equal(t, "outer", stack.Authenticated().Name)
				assert.True(t, stack.RunAs().IsZero())
			})
		}
	}
}

// TestExecute_OnlyLastAttemptIsDelivered tests that output from a conflicted attempt never reaches the client.
func TestExecute_OnlyLastAttemptIsDelivered(t *testing.T) {
	f := newFixture(t)
	attempt := 0

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		attempt++
		x.Response.Header().Set("X-Attempt", fmt.Sprint(attempt))
		x.Response.WriteHeader(http.StatusCreated + attempt - 1)
		if err := writeBody(x, fmt.Sprintf("attempt-%d", attempt)); err != nil {
			return err
		}
		if attempt == 1 {
			return txn.ErrConflict
		}
		return nil
	}), tokens)

	require.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "attempt-2", f.sink.Body.String())
	assert.Equal(t, "2", f.sink.Header().Get("X-Attempt"))
	assert.Equal(t, http.StatusAccepted, f.sink.Code)
	assert.Equal(t, 1, f.sink.HeaderWrites())
}

// TestExecute_RequestBodyReplayed tests that every attempt reads the full request body.
func TestExecute_RequestBodyReplayed(t *testing.T) {
	f := newFixture(t, WithSpillOptions(spill.Options{MemoryThreshold: 8, TempDir: t.TempDir()}))
	body := strings.Repeat("payload-", 100)

	var reads []string
	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", body), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		r, err := x.Request.Body()
		if err != nil {
			return err
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		reads = append(reads, string(b))
		if len(reads) < 3 {
			return txn.ErrConflict
		}
		return nil
	}), tokens)

	require.True(t, out.OK(), "outcome: %+v", out)
	assert.Equal(t, []string{body, body, body}, reads)
}

// TestExecute_PreservedHeadersSurviveRetry tests the header preservation matcher.
func TestExecute_PreservedHeadersSurviveRetry(t *testing.T) {
	m, err := replay.MatchHeaders("X-Request-Id")
	require.NoError(t, err)
	f := newFixture(t, WithPreservedHeaders(m))

	attempt := 0
	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		attempt++
		if attempt == 1 {
			x.Response.Header().Set("X-Request-Id", "abc")
			x.Response.Header().Set("X-Scratch", "1")
			return txn.ErrConflict
		}
		return nil
	}), tokens)

	require.True(t, out.OK())
	assert.Equal(t, "abc", f.sink.Header().Get("X-Request-Id"))
	assert.Empty(t, f.sink.Header().Get("X-Scratch"))
}

// TestExecute_Unbuffered tests that readonly handlers write straight to the transport.
func TestExecute_Unbuffered(t *testing.T) {
	f := newFixture(t)
	req := userRW("h")
	req.Capability = txn.ReadOnly

	out := f.c.Execute(context.Background(), f.call(req, "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		w, err := x.Response.Writer()
		if err != nil {
			return err
		}
		_, err = w.WriteString("direct")
		return err
	}), tokens)

	require.True(t, out.OK())
	assert.Equal(t, "direct", f.sink.Body.String(), "text writer is flushed")
}

func TestExecute_Classification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  Status
		code    int
		message string
	}{
		{"capacity", txn.ErrCapacity, StatusUnavailable, http.StatusServiceUnavailable, "service unavailable, try again later"},
		{"too large", fmt.Errorf("write: %w", spill.ErrContentTooLarge), StatusTooLarge, http.StatusRequestEntityTooLarge, "content too large"},
		{"archived", NewError(KindArchived, "page was archived"), StatusPreconditionFailed, http.StatusPreconditionFailed, "page was archived"},
		{"public", NewError(KindNotFound, "no such key %q", "k"), StatusFailed, http.StatusNotFound, `no such key "k"`},
		{"hidden", errors.New("disk on fire"), StatusFailed, http.StatusInternalServerError, "internal error (correlation id corr-1)"},
		{"exhausted conflict", txn.ErrConflict, StatusFailed, http.StatusInternalServerError, "internal error (correlation id corr-1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
				return tt.err
			}), tokens)

			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.code, out.Code)
			assert.Equal(t, tt.message, out.Message)
			assert.ErrorIs(t, out.Err, tt.err)
			assert.True(t, out.Respond())
			assert.Zero(t, f.sink.HeaderWrites(), "failed buffered output is never delivered")
		})
	}
}

// TestExecute_ExhaustedConflictAttempts tests the attempt count on an always-conflicting handler.
func TestExecute_ExhaustedConflictAttempts(t *testing.T) {
	f := newFixture(t)
	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return txn.ErrConflict
	}), tokens)

	assert.Equal(t, KindConflict, out.Kind)
	assert.Equal(t, 4, out.Attempts)
}

// TestExecute_SuppressedKindIsHidden tests that the deny-list wins over the allow-list.
func TestExecute_SuppressedKindIsHidden(t *testing.T) {
	v, err := NewVisibility([]string{"invalid", "not_found"}, []string{"not_found"})
	require.NoError(t, err)
	f := newFixture(t, WithVisibility(v))

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return NewError(KindNotFound, "secret path /etc/x")
	}), tokens)

	assert.Equal(t, http.StatusNotFound, out.Code)
	assert.NotContains(t, out.Message, "secret")
	assert.Contains(t, out.Message, out.CorrelationID)
}

// TestExecute_ContentTooLargeOutput tests a handler overflowing the response buffer.
func TestExecute_ContentTooLargeOutput(t *testing.T) {
	f := newFixture(t, WithSpillOptions(spill.Options{MemoryThreshold: 4, MaxSize: 16, TempDir: t.TempDir()}))

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return writeBody(x, strings.Repeat("x", 17))
	}), tokens)

	assert.Equal(t, StatusTooLarge, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

// TestExecute_ContentTooLargeTextOutput tests that text output overflowing the buffer rolls back its transaction.
func TestExecute_ContentTooLargeTextOutput(t *testing.T) {
	f := newFixture(t, WithSpillOptions(spill.Options{MemoryThreshold: 4, MaxSize: 16, TempDir: t.TempDir()}))
	req := userRW("h")
	req.RequiredAuth = auth.LevelNone

	out := f.c.Execute(context.Background(), f.call(req, "", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		w, err := x.Response.Writer()
		if err != nil {
			return err
		}
		_, err = w.WriteString(strings.Repeat("x", 17))
		return err
	}), tokens)

	assert.Equal(t, StatusTooLarge, out.Status)
	assert.Equal(t, http.StatusRequestEntityTooLarge, out.Code)
	assert.ErrorIs(t, out.Err, spill.ErrContentTooLarge)
	assert.Zero(t, f.m.Count(txn.StatusCommitted))
	assert.Equal(t, 1, f.m.Count(txn.StatusRolledBack))
	assert.Zero(t, f.sink.HeaderWrites())
}

// TestExecute_PeerClosedIsSwallowed tests that a dead client yields no response.
func TestExecute_PeerClosedIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.sink.Err = syscall.EPIPE

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return writeBody(x, "hello")
	}), tokens)

	assert.Equal(t, StatusAbandoned, out.Status)
	assert.False(t, out.Respond())
}

// TestExecute_CapacityDuringAuthentication tests backpressure while authenticating.
func TestExecute_CapacityDuringAuthentication(t *testing.T) {
	f := newFixture(t)
	f.m.FailBegin(txn.ErrCapacity)

	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return nil
	}), tokens)

	assert.Equal(t, StatusUnavailable, out.Status)
}

// TestExecute_NilAuthenticator tests that authenticated levels need a backend.
func TestExecute_NilAuthenticator(t *testing.T) {
	f := newFixture(t)
	out := f.c.Execute(context.Background(), f.call(userRW("h"), "alice", ""), HandlerFunc(func(ctx context.Context, x *Exchange) error {
		return nil
	}), nil)

	assert.Equal(t, StatusUnauthorized, out.Status)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnauthorized, KindOf(auth.ErrThrottled))
	assert.Equal(t, KindCapacity, KindOf(fmt.Errorf("begin: %w", txn.ErrCapacity)))
	assert.Equal(t, KindConflict, KindOf(&txn.ConflictError{Op: "commit"}))
	assert.Equal(t, KindPeerClosed, KindOf(replay.ErrPeerClosed))
	assert.Equal(t, KindTooLarge, KindOf(spill.ErrContentTooLarge))
	assert.Equal(t, KindInvalid, KindOf(WrapError(KindInvalid, txn.ErrCapacity, "bad input")), "explicit kind wins")
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("fatal")
	assert.Error(t, err)

	_, err = NewVisibility([]string{"fatal"}, nil)
	assert.Error(t, err)
}
