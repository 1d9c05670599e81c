package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/txexec/internal/authctx"
)

// JWTConfig configures bearer-token verification.
type JWTConfig struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// JWT verifies HS256 bearer tokens whose subject is the identity name and
// whose "roles" claim lists its roles.
type JWT struct {
	cfg JWTConfig
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// NewJWT validates cfg and returns an authenticator.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWT{cfg: cfg}, nil
}

// Authenticate parses and verifies creds.Token.
func (j *JWT) Authenticate(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error) {
	if creds.IsGuest() {
		return authctx.Guest, nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if j.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.cfg.Issuer))
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) {
		return j.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return authctx.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return authctx.Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	roles := make([]authctx.Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, authctx.Role(r))
	}
	return authctx.NewIdentity(claims.Subject, roles...), nil
}

// Issue signs a token for id valid for ttl.
func (j *JWT) Issue(id authctx.Identity, ttl time.Duration) (string, error) {
	now := j.cfg.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Name,
			Issuer:    j.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, r := range id.Roles {
		claims.Roles = append(claims.Roles, string(r))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
