package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/authctx"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Roles   []string
	TTL     time.Duration
}

// TokenResult is the JSON payload of the token command.
type TokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		Long: `Sign a bearer token with the configured jwt.secret.

The subject becomes the authenticated identity name and each --role is
granted to it. Send the token as "Authorization: Bearer <token>".

Examples:
  txexec token --sub alice --role user
  txexec token --sub ops --role sysadmin --ttl 15m
  TXEXEC_JWT_SECRET=s3cret txexec token --sub root --role admin --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "sub", "", "identity name (required)")
	_ = cmd.MarkFlagRequired("sub")
	cmd.Flags().StringArrayVar(&opts.Roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--ttl must be positive, got %s", opts.TTL))
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return NewExitError(ExitCommandError, "jwt.secret is not configured (set it in the config file or TXEXEC_JWT_SECRET)")
	}

	now := time.Now()
	issuer, err := auth.NewJWT(auth.JWTConfig{
		Secret: []byte(cfg.JWT.Secret),
		Issuer: cfg.JWT.Issuer,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid jwt config", err)
	}

	roles := make([]authctx.Role, 0, len(opts.Roles))
	for _, r := range opts.Roles {
		roles = append(roles, authctx.Role(r))
	}
	token, err := issuer.Issue(authctx.NewIdentity(opts.Subject, roles...), opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to issue token", err)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(TokenResult{
			Token:     token,
			Subject:   opts.Subject,
			Roles:     opts.Roles,
			ExpiresAt: now.Add(opts.TTL).UTC(),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
