package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/builtin"
	"github.com/roach88/txexec/internal/config"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/store"
	"github.com/roach88/txexec/internal/transport"
)

// ServeOptions holds flags for the serve command. Non-empty flags override
// the config file.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Database string
	Routes   string
	Grace    time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the route manifest over HTTP",
		Long: `Open the SQLite database and serve every route of the manifest.

Each request is authenticated, buffered and run in a transaction. Conflicts
are retried with the configured backoff; only the final attempt's response
is sent. Every attempt is recorded in the audit trail (see "txexec trace").

Examples:
  txexec serve
  txexec serve --config txexec.yaml --listen :9090
  TXEXEC_JWT_SECRET=s3cret txexec serve --db /var/lib/txexec.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Routes, "routes", "", "path to route manifest (default: built-in routes)")
	cmd.Flags().DurationVar(&opts.Grace, "grace", 10*time.Second, "shutdown grace period")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Routes != "" {
		cfg.Routes = opts.Routes
	}
	setupLogging(cmd.ErrOrStderr(), cfg, opts.Verbose)

	manifest, err := transport.LoadManifest(cfg.Routes)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load routes", err)
	}
	if err := checkRoutes(cfg, manifest); err != nil {
		return WrapExitError(ExitCommandError, "failed to load routes", err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database,
		store.WithMaxWriters(cfg.MaxWriters),
		store.WithBusyTimeout(cfg.BusyTimeout))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	exec := engine.NewExecutor(st,
		engine.WithRetryPolicy(cfg.RetryPolicy()),
		engine.WithObserver(st.AuditObserver()))
	container, err := newContainer(cfg, exec)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	authn, err := newAuthenticator(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := transport.New(container, authn, manifest, builtin.Default())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build routes", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("server starting", "listen", cfg.Listen, "routes", len(manifest.Routes))
	if err := srv.ListenAndServe(ctx, cfg.Listen, opts.Grace); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newContainer applies the container settings of cfg.
func newContainer(cfg *config.Config, exec *engine.Executor) (*engine.Container, error) {
	level, err := cfg.MinLevel()
	if err != nil {
		return nil, err
	}
	vis, err := cfg.Visibility()
	if err != nil {
		return nil, err
	}
	headers, err := cfg.HeaderMatcher()
	if err != nil {
		return nil, err
	}

	opts := []engine.ContainerOption{
		engine.WithMinLevel(level),
		engine.WithVisibility(vis),
		engine.WithSpillOptions(cfg.SpillOptions()),
	}
	if headers != nil {
		opts = append(opts, engine.WithPreservedHeaders(headers))
	}
	return engine.NewContainer(exec, opts...), nil
}

// checkRoutes validates the manifest against container-wide settings.
func checkRoutes(cfg *config.Config, m *transport.Manifest) error {
	level, err := cfg.MinLevel()
	if err != nil {
		return err
	}
	return m.CheckMinLevel(level)
}

// newAuthenticator returns the JWT authenticator when a secret is set and an
// empty token table otherwise, wrapped in a login throttle when
// login.burst > 0.
func newAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	var authn auth.Authenticator
	if cfg.JWT.Secret != "" {
		j, err := auth.NewJWT(auth.JWTConfig{Secret: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer})
		if err != nil {
			return nil, fmt.Errorf("jwt: %w", err)
		}
		authn = j
	} else {
		slog.Warn("no jwt secret configured, only routes with auth none or guest will succeed")
		authn = auth.Static{}
	}

	if cfg.Login.Burst > 0 {
		authn = auth.NewThrottle(authn, rate.Limit(cfg.Login.Rate), cfg.Login.Burst,
			auth.WithMaxSubjects(cfg.Login.MaxSubjects))
	}
	return authn, nil
}
