// Package auth provides authentication levels, role qualification and the
// credential-verification backends the execution container calls.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/txexec/internal/authctx"
)

// Level is the authentication a handler requires. Levels are ordered.
type Level int

const (
	LevelNone Level = iota
	LevelGuest
	LevelUser
	LevelSysAdmin
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelGuest:
		return "guest"
	case LevelUser:
		return "user"
	case LevelSysAdmin:
		return "sysadmin"
	case LevelAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name. Empty means none.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "none":
		return LevelNone, nil
	case "guest":
		return LevelGuest, nil
	case "user":
		return LevelUser, nil
	case "sysadmin":
		return LevelSysAdmin, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return LevelNone, fmt.Errorf("unknown auth level %q", s)
	}
}

var (
	// ErrUnauthenticated is returned when credentials do not prove an identity.
	ErrUnauthenticated = errors.New("auth: not authenticated")

	// ErrThrottled is returned when a subject has failed too often. It wraps
	// ErrUnauthenticated.
	ErrThrottled = fmt.Errorf("%w: too many failed attempts", ErrUnauthenticated)
)

// Credentials is what the caller presented.
type Credentials struct {
	// Token is the bearer token. Empty means the caller is a guest.
	Token string
	// Subject identifies the caller for throttling (remote address, login name).
	Subject string
}

// IsGuest reports whether no credentials were presented.
func (c Credentials) IsGuest() bool {
	return c.Token == ""
}

// Authenticator verifies credentials for a required level. Guest credentials
// yield authctx.Guest.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error) {
	return f(ctx, creds, level)
}

// Qualifies reports whether id may run a handler requiring level.
//
//   - guest:    any identity, guests included
//   - user:     any non-guest identity
//   - sysadmin: system administrators and super-admins
//   - admin:    super-admins only
func Qualifies(id authctx.Identity, level Level) bool {
	switch level {
	case LevelNone:
		return true
	case LevelGuest:
		return !id.IsZero()
	case LevelUser:
		return !id.IsZero() && !id.IsGuest()
	case LevelSysAdmin:
		return id.Has(authctx.RoleSysAdmin) || id.Has(authctx.RoleAdmin)
	case LevelAdmin:
		return id.Has(authctx.RoleAdmin)
	default:
		return false
	}
}

// Static authenticates against a fixed token table.
type Static map[string]authctx.Identity

func (s Static) Authenticate(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error) {
	if creds.IsGuest() {
		return authctx.Guest, nil
	}
	id, ok := s[creds.Token]
	if !ok {
		return authctx.Identity{}, ErrUnauthenticated
	}
	return id, nil
}
