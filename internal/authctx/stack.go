// Package authctx tracks who is executing a unit of work.
//
// A Stack holds frames of (authenticated identity, run-as identity). The
// authenticated slot is what audit records; the effective identity (run-as
// when set, otherwise authenticated) is what access checks use. Push and Pop
// must be strictly nested; use Do or As so a failing body still restores the
// previous frame.
//
// A Stack is passed explicitly, usually through a context.Context, and is
// owned by one request at a time.
package authctx

import (
	"context"
	"errors"
)

// ErrUnbalanced is returned by Pop on an empty stack and by Unwind when asked
// to grow the stack.
var ErrUnbalanced = errors.New("authctx: unbalanced push/pop")

// Frame is one level of the stack.
type Frame struct {
	Authenticated Identity
	RunAs         Identity
}

// Effective returns the identity access checks should use.
func (f Frame) Effective() Identity {
	if !f.RunAs.IsZero() {
		return f.RunAs
	}
	return f.Authenticated
}

// Stack is a LIFO of saved frames plus the current frame.
type Stack struct {
	cur   Frame
	saved []Frame
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{}
}

// Push saves the current frame. The new frame starts as a copy of it.
func (s *Stack) Push() {
	s.saved = append(s.saved, s.cur)
}

// Pop restores the most recently saved frame.
func (s *Stack) Pop() error {
	if len(s.saved) == 0 {
		return ErrUnbalanced
	}
	last := len(s.saved) - 1
	s.cur = s.saved[last]
	s.saved = s.saved[:last]
	return nil
}

// Depth returns the number of saved frames.
func (s *Stack) Depth() int {
	return len(s.saved)
}

// Unwind pops until Depth() == depth.
func (s *Stack) Unwind(depth int) error {
	if depth < 0 || depth > len(s.saved) {
		return ErrUnbalanced
	}
	for len(s.saved) > depth {
		_ = s.Pop()
	}
	return nil
}

// Clear drops every frame, including the current one.
func (s *Stack) Clear() {
	s.cur = Frame{}
	s.saved = nil
}

func (s *Stack) SetAuthenticated(id Identity) {
	s.cur.Authenticated = id
}

func (s *Stack) SetRunAs(id Identity) {
	s.cur.RunAs = id
}

// Authenticated returns the identity that proved itself for this frame.
func (s *Stack) Authenticated() Identity {
	return s.cur.Authenticated
}

// RunAs returns the impersonated identity, or the zero identity.
func (s *Stack) RunAs() Identity {
	return s.cur.RunAs
}

// Effective returns RunAs if set, otherwise Authenticated.
func (s *Stack) Effective() Identity {
	return s.cur.Effective()
}

// Current returns a copy of the current frame.
func (s *Stack) Current() Frame {
	return s.cur
}

// Do runs fn inside a pushed frame and pops it afterwards, even if fn fails
// or panics.
func (s *Stack) Do(fn func() error) (err error) {
	depth := s.Depth()
	s.Push()
	defer func() {
		if uerr := s.Unwind(depth); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// As runs fn with id as the run-as identity. A zero id leaves the current
// run-as identity in place.
func (s *Stack) As(id Identity, fn func() error) error {
	return s.Do(func() error {
		if !id.IsZero() {
			s.SetRunAs(id)
		}
		return fn()
	})
}

type stackKey struct{}

// NewContext returns a context carrying s.
func NewContext(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, stackKey{}, s)
}

// FromContext returns the stack carried by ctx, if any.
func FromContext(ctx context.Context) (*Stack, bool) {
	s, ok := ctx.Value(stackKey{}).(*Stack)
	return s, ok && s != nil
}
