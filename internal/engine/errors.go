package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/replay"
	"github.com/roach88/txexec/internal/spill"
	"github.com/roach88/txexec/internal/txn"
)

// Kind categorizes a failure that escapes a handler.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalid is a caller mistake (bad input).
	KindInvalid
	// KindNotFound means the addressed content does not exist.
	KindNotFound
	// KindConflict is a transaction conflict that outlived the retry bound.
	KindConflict
	// KindUnauthorized covers failed authentication and failed role checks.
	KindUnauthorized
	// KindCapacity is transaction-layer backpressure.
	KindCapacity
	// KindTooLarge means a spill buffer hit its hard ceiling.
	KindTooLarge
	// KindArchived means the handler touched archived or evicted content.
	KindArchived
	// KindPeerClosed means the client stopped reading.
	KindPeerClosed
	// KindInternal is a server-side defect.
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindInvalid:      "invalid",
	KindNotFound:     "not_found",
	KindConflict:     "conflict",
	KindUnauthorized: "unauthorized",
	KindCapacity:     "capacity",
	KindTooLarge:     "too_large",
	KindArchived:     "archived",
	KindPeerClosed:   "peer_closed",
	KindInternal:     "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses a kind name as printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

// httpStatus is the status a generic failure of this kind is reported with.
func (k Kind) httpStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure with an explicit kind. Handlers return it to control how
// the failure is reported.
type Error struct {
	Kind Kind
	// Message is the text shown to callers when the kind is public.
	Message string
	Err     error
}

// NewError returns an Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches kind and message to err.
func WrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. An explicit *Error wins; otherwise the sentinel
// failures of the collaborating packages are recognized.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return KindUnauthorized
	case txn.IsCapacity(err):
		return KindCapacity
	case errors.Is(err, spill.ErrContentTooLarge):
		return KindTooLarge
	case replay.IsPeerClosed(err):
		return KindPeerClosed
	case txn.IsConflict(err):
		return KindConflict
	default:
		return KindUnknown
	}
}

// publicMessage is the caller-facing text of err.
func publicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// Visibility decides whether a generic failure's detail reaches the caller.
// A kind is shown when it is public and not suppressed.
type Visibility struct {
	Public     map[Kind]bool
	Suppressed map[Kind]bool
}

// DefaultVisibility shows invalid-input and not-found details.
func DefaultVisibility() Visibility {
	return Visibility{
		Public:     map[Kind]bool{KindInvalid: true, KindNotFound: true},
		Suppressed: map[Kind]bool{},
	}
}

// NewVisibility builds a policy from kind names.
func NewVisibility(public, suppressed []string) (Visibility, error) {
	v := Visibility{Public: map[Kind]bool{}, Suppressed: map[Kind]bool{}}
	for _, name := range public {
		k, err := ParseKind(strings.TrimSpace(name))
		if err != nil {
			return Visibility{}, fmt.Errorf("public error kinds: %w", err)
		}
		v.Public[k] = true
	}
	for _, name := range suppressed {
		k, err := ParseKind(strings.TrimSpace(name))
		if err != nil {
			return Visibility{}, fmt.Errorf("suppressed error kinds: %w", err)
		}
		v.Suppressed[k] = true
	}
	return v, nil
}

// Shows reports whether failures of kind k expose their message.
func (v Visibility) Shows(k Kind) bool {
	return v.Public[k] && !v.Suppressed[k]
}
