package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
	"github.com/roach88/txexec/internal/config"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/testutil"
)

// TestServe_StopsWhenContextDone starts the server on a random port with an
// already-cancelled context: it must open the database and shut down cleanly.
func TestServe_StopsWhenContextDone(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "serve.db")
	keepLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := NewRootCommand()
	errBuf := &bytes.Buffer{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"serve", "--db", dbPath, "--listen", "127.0.0.1:0"})

	require.NoError(t, cmd.ExecuteContext(ctx))
	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database was created")
	assert.Contains(t, errBuf.String(), "server stopped gracefully")
}

func TestServe_BadRoutes(t *testing.T) {
	keepLogger(t)
	routes := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(routes, []byte("routes:\n  - route: POST /x\n    handler: missing\n"), 0644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--db", filepath.Join(t.TempDir(), "x.db"), "--routes", routes})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServe_RunAsUnderMinLevel(t *testing.T) {
	keepLogger(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "txexec.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("min_auth_level: user\n"), 0644))
	routes := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(routes, []byte("routes:\n  - route: POST /jobs\n    handler: echo\n    run_as: { name: batch }\n"), 0644))
	dbPath := filepath.Join(dir, "x.db")

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", cfgPath, "--db", dbPath, "--routes", routes})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "run_as cannot be combined")
	_, statErr := os.Stat(dbPath)
	assert.True(t, os.IsNotExist(statErr), "routes are checked before the database opens")
}

func TestServe_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  backoff: sometimes\n"), 0644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestNewAuthenticator(t *testing.T) {
	ctx := context.Background()

	t.Run("jwt", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.JWT.Secret = "s3cret"
		cfg.JWT.Issuer = "txexec"

		authn, err := newAuthenticator(cfg)
		require.NoError(t, err)

		issuer, err := auth.NewJWT(auth.JWTConfig{Secret: []byte("s3cret"), Issuer: "txexec"})
		require.NoError(t, err)
		token, err := issuer.Issue(authctx.NewIdentity("alice", authctx.RoleUser), time.Minute)
		require.NoError(t, err)

		id, err := authn.Authenticate(ctx, auth.Credentials{Token: token, Subject: "10.0.0.1"}, auth.LevelUser)
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Name)
	})

	t.Run("no secret rejects every token", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Login.Burst = 0

		authn, err := newAuthenticator(cfg)
		require.NoError(t, err)
		_, err = authn.Authenticate(ctx, auth.Credentials{Token: "anything"}, auth.LevelUser)
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	})

	t.Run("throttled", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Login.Burst = 2

		authn, err := newAuthenticator(cfg)
		require.NoError(t, err)
		_, ok := authn.(*auth.Throttle)
		assert.True(t, ok, "got %T", authn)
	})
}

func TestNewContainer_AppliesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MinAuthLevel = "user"

	c, err := newContainer(cfg, engine.NewExecutor(testutil.NewManager()))
	require.NoError(t, err)

	out := c.Execute(context.Background(), engine.Call{
		Request:     engine.ExecutionRequest{Handler: "open"},
		Sink:        testutil.NewSink(),
		Credentials: auth.Credentials{Token: "t"},
	}, engine.HandlerFunc(func(ctx context.Context, x *engine.Exchange) error {
		return nil
	}), auth.Static{})

	assert.Equal(t, engine.StatusUnauthorized, out.Status, "min_auth_level raised the route to user")

	cfg.PreserveHeadersOnRetryPattern = "("
	_, err = newContainer(cfg, engine.NewExecutor(testutil.NewManager()))
	assert.Error(t, err)
}

// keepLogger restores the default slog logger that serve replaces.
func keepLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}
