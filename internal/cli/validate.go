package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/txexec/internal/builtin"
	"github.com/roach88/txexec/internal/transport"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// RouteSummary describes one validated route.
type RouteSummary struct {
	Route       string `json:"route"`
	Handler     string `json:"handler"`
	Auth        string `json:"auth"`
	Transaction string `json:"transaction"`
	Capability  string `json:"capability"`
	Buffered    bool   `json:"buffered"`
	RunAs       string `json:"run_as,omitempty"`
}

// ValidateResult is the output of the validate command.
type ValidateResult struct {
	Config string         `json:"config,omitempty"`
	Routes []RouteSummary `json:"routes"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [routes-file]",
		Short: "Validate the config and route manifest",
		Long: `Load the configuration and the route manifest and check that every route
parses, names a known handler and is declared once.

Without an argument the manifest named by the "routes" config key is used,
or the built-in routes when that is empty.

Examples:
  txexec validate
  txexec validate ./routes.yaml --config txexec.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(opts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = f.Error("E_CONFIG", "invalid config", err.Error())
		return err
	}
	if path == "" {
		path = cfg.Routes
	}
	f.VerboseLog("validating routes from %q", path)

	m, err := transport.LoadManifest(path)
	if err != nil {
		_ = f.Error("E_ROUTES", "invalid route manifest", err.Error())
		return WrapExitError(ExitFailure, "invalid route manifest", err)
	}
	if err := checkRoutes(cfg, m); err != nil {
		_ = f.Error("E_ROUTES", "invalid route manifest", err.Error())
		return WrapExitError(ExitFailure, "invalid route manifest", err)
	}

	reg := builtin.Default()
	result := ValidateResult{Config: opts.ConfigPath, Routes: make([]RouteSummary, 0, len(m.Routes))}
	for _, r := range m.Routes {
		if _, err := reg.Lookup(r.Handler); err != nil {
			_ = f.Error("E_ROUTES", fmt.Sprintf("route %q", r.Route), err.Error())
			return WrapExitError(ExitFailure, fmt.Sprintf("route %q", r.Route), err)
		}
		req, err := r.Request()
		if err != nil {
			return WrapExitError(ExitFailure, "invalid route manifest", err)
		}
		summary := RouteSummary{
			Route:       r.Route,
			Handler:     r.Handler,
			Auth:        req.RequiredAuth.String(),
			Transaction: req.Transaction.String(),
			Capability:  req.Capability.String(),
			Buffered:    req.Buffered(),
		}
		if !req.RunAs.IsZero() {
			summary.RunAs = req.RunAs.Name
		}
		result.Routes = append(result.Routes, summary)
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	outputValidateText(cmd.OutOrStdout(), result)
	return nil
}

func outputValidateText(w io.Writer, result ValidateResult) {
	for _, r := range result.Routes {
		mode := "direct"
		if r.Buffered {
			mode = "buffered"
		}
		fmt.Fprintf(w, "  %-20s %-10s auth=%s tx=%s/%s %s", r.Route, r.Handler, r.Auth, r.Transaction, r.Capability, mode)
		if r.RunAs != "" {
			fmt.Fprintf(w, " run_as=%s", r.RunAs)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "✓ %d routes valid\n", len(result.Routes))
}
