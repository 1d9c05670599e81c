package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txexec/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database      string
	CorrelationID string
	Limit         int
}

// TraceAttempt is one audit row in the trace output.
type TraceAttempt struct {
	CorrelationID string    `json:"correlation_id"`
	Name          string    `json:"name"`
	Attempt       int       `json:"attempt"`
	TxID          string    `json:"tx_id,omitempty"`
	Disposition   string    `json:"disposition"`
	Reset         bool      `json:"reset,omitempty"`
	Authenticated string    `json:"authenticated,omitempty"`
	RunAs         string    `json:"run_as,omitempty"`
	Error         string    `json:"error,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	Attempts      []TraceAttempt `json:"attempts"`
	Stats         TraceStats     `json:"stats"`
}

// TraceStats counts attempts per disposition.
type TraceStats struct {
	Total     int `json:"total"`
	Committed int `json:"committed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the attempt audit trail",
		Long: `Read attempts from the audit trail.

With --correlation, shows every attempt of one execution in the order they
ran: authentication, each handler attempt and its disposition (committed,
retry, fail, rejected), and the identities of the frame it ran in. Without
it, shows the newest attempts across all executions.

The correlation id is the one returned to clients in the X-Correlation-Id
header and in error bodies.

Examples:
  txexec trace --correlation 0190f1e2-7c3a-7b4e-9d2f-1a2b3c4d5e6f
  txexec trace --limit 50
  txexec trace --db ./txexec.db --correlation abc --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id to trace")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of recent attempts without --correlation")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Limit < 1 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--limit must be >= 1, got %d", opts.Limit))
	}

	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		path = cfg.Database
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var rows []store.AttemptRecord
	if opts.CorrelationID != "" {
		rows, err = st.Attempts(ctx, opts.CorrelationID)
	} else {
		rows, err = st.RecentAttempts(ctx, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read attempts", err)
	}

	result := buildTrace(opts.CorrelationID, rows)
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: result, CorrelationID: opts.CorrelationID})
	}
	outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

func buildTrace(correlationID string, rows []store.AttemptRecord) TraceResult {
	result := TraceResult{
		CorrelationID: correlationID,
		Attempts:      make([]TraceAttempt, 0, len(rows)),
	}
	for _, r := range rows {
		result.Attempts = append(result.Attempts, TraceAttempt{
			CorrelationID: r.CorrelationID,
			Name:          r.Name,
			Attempt:       r.Attempt,
			TxID:          r.TxID,
			Disposition:   r.Disposition,
			Reset:         r.Reset,
			Authenticated: r.Authenticated,
			RunAs:         r.RunAs,
			Error:         r.Error,
			RecordedAt:    r.RecordedAt,
		})
		result.Stats.Total++
		switch r.Disposition {
		case "committed":
			result.Stats.Committed++
		case "retry":
			result.Stats.Retried++
		case "fail":
			result.Stats.Failed++
		case "rejected":
			result.Stats.Rejected++
		}
	}
	return result
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	if result.CorrelationID != "" {
		fmt.Fprintf(w, "Trace for correlation id: %s\n", result.CorrelationID)
	} else {
		fmt.Fprintln(w, "Recent attempts")
	}
	fmt.Fprintln(w)

	if len(result.Attempts) == 0 {
		fmt.Fprintln(w, "  (no attempts recorded)")
		return
	}

	for _, a := range result.Attempts {
		fmt.Fprintf(w, "  %s#%d %s", a.Name, a.Attempt, a.Disposition)
		if a.Reset {
			fmt.Fprint(w, " (reset)")
		}
		if a.Authenticated != "" {
			fmt.Fprintf(w, " by %s", a.Authenticated)
		}
		if a.RunAs != "" {
			fmt.Fprintf(w, " as %s", a.RunAs)
		}
		fmt.Fprintln(w)
		if a.Error != "" {
			fmt.Fprintf(w, "       Error: %s\n", a.Error)
		}
		if verbose {
			if result.CorrelationID == "" {
				fmt.Fprintf(w, "       Correlation: %s\n", a.CorrelationID)
			}
			if a.TxID != "" {
				fmt.Fprintf(w, "       Tx: %s\n", truncateID(a.TxID))
			}
			fmt.Fprintf(w, "       At: %s\n", a.RecordedAt.Format(time.RFC3339Nano))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Attempts:  %d\n", result.Stats.Total)
	fmt.Fprintf(w, "  Committed: %d\n", result.Stats.Committed)
	fmt.Fprintf(w, "  Retried:   %d\n", result.Stats.Retried)
	fmt.Fprintf(w, "  Failed:    %d\n", result.Stats.Failed)
	fmt.Fprintf(w, "  Rejected:  %d\n", result.Stats.Rejected)
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
