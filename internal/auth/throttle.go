package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/txexec/internal/authctx"
)

// DefaultMaxSubjects bounds how many subjects a Throttle tracks at once.
const DefaultMaxSubjects = 10000

// Throttle locks out subjects that keep failing authentication. Every attempt
// takes a token from the subject's bucket before the wrapped authenticator
// runs; an empty bucket rejects without consulting it. A success forgets the
// subject, so only failures stay charged.
//
// Buckets that have refilled carry no state and are pruned once the table
// reaches its bound. If every tracked subject is still locked out, the one
// closest to refilled is evicted.
type Throttle struct {
	next  Authenticator
	limit rate.Limit
	burst int
	max   int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithMaxSubjects replaces DefaultMaxSubjects. Values below 1 are ignored.
func WithMaxSubjects(n int) ThrottleOption {
	return func(t *Throttle) {
		if n > 0 {
			t.max = n
		}
	}
}

// WithThrottleClock replaces time.Now.
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		t.now = now
	}
}

// NewThrottle wraps next. burst failures are allowed at once, refilled at limit per second.
func NewThrottle(next Authenticator, limit rate.Limit, burst int, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		next:     next,
		limit:    limit,
		burst:    burst,
		max:      DefaultMaxSubjects,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttle) Authenticate(ctx context.Context, creds Credentials, level Level) (authctx.Identity, error) {
	if creds.IsGuest() || creds.Subject == "" {
		return t.next.Authenticate(ctx, creds, level)
	}

	if !t.limiter(creds.Subject).AllowN(t.now(), 1) {
		slog.Info("authentication throttled", "subject", creds.Subject)
		return authctx.Identity{}, ErrThrottled
	}

	id, err := t.next.Authenticate(ctx, creds, level)
	if err != nil {
		return authctx.Identity{}, err
	}
	t.forget(creds.Subject)
	return id, nil
}

// Tracked returns how many subjects currently hold a bucket.
func (t *Throttle) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

func (t *Throttle) limiter(subject string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[subject]
	if !ok {
		if len(t.limiters) >= t.max {
			t.prune(t.now())
		}
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters[subject] = lim
	}
	return lim
}

// prune drops refilled buckets, then evicts until there is room for one more.
// Callers hold mu.
func (t *Throttle) prune(now time.Time) {
	full := float64(t.burst)
	for subject, lim := range t.limiters {
		if lim.TokensAt(now) >= full {
			delete(t.limiters, subject)
		}
	}
	for len(t.limiters) >= t.max {
		var (
			victim string
			most   = -1.0
		)
		for subject, lim := range t.limiters {
			if tokens := lim.TokensAt(now); tokens > most {
				victim, most = subject, tokens
			}
		}
		slog.Warn("throttle table full, evicting subject", "subject", victim, "tracked", len(t.limiters))
		delete(t.limiters, victim)
	}
}

func (t *Throttle) forget(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, subject)
}
