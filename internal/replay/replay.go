// Package replay wraps a transport request and response so a unit of work can
// run more than once against the same input and only the last attempt's
// output reaches the client.
//
// Request and Response are what handlers see. The buffered implementations
// capture the inbound body once into a spill.Buffer and hand every attempt a
// fresh, independently positioned view; the outbound side accumulates into a
// spill.Buffer that is discarded on Reset and copied to the transport once on
// Commit. The direct implementations pass straight through to the transport
// and offer no replay safety.
//
// Only one of the byte stream and the text handle may be open at a time on
// either side; asking for the other returns ErrStreamInUse.
package replay

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"regexp"
)

// ErrStreamInUse is returned when asking for the byte stream while the text
// handle is open, or the reverse.
var ErrStreamInUse = errors.New("replay: the other stream is already open")

// ErrClosed is returned when using a request or response after Close.
var ErrClosed = errors.New("replay: closed")

// ErrUnfinished is returned by Commit when text output is still sitting in
// the writer because Finish did not run.
var ErrUnfinished = errors.New("replay: response not finished")

// Source is the inbound side of the transport.
type Source struct {
	Header http.Header
	Body   io.Reader
}

// Sink is the outbound side of the transport. http.ResponseWriter satisfies it.
type Sink interface {
	Header() http.Header
	WriteHeader(status int)
	Write(p []byte) (int, error)
}

// Request is the handler's view of the inbound call.
type Request interface {
	Header() http.Header
	// Body returns the byte stream. Repeated calls return the same handle.
	Body() (io.Reader, error)
	// Reader returns a buffered text reader. Repeated calls return the same handle.
	Reader() (*bufio.Reader, error)
}

// Response is the handler's view of the outbound call.
type Response interface {
	Header() http.Header
	WriteHeader(status int)
	// Body returns the byte sink. Repeated calls return the same handle.
	Body() (io.Writer, error)
	// Writer returns a buffered text writer. Repeated calls return the same handle.
	Writer() (*bufio.Writer, error)
}

// Finisher completes an attempt's output. It runs after the work succeeds and
// before its transaction commits, so a failure here still rolls back.
type Finisher interface {
	Finish() error
}

// Committer delivers a response once the work behind it has committed.
type Committer interface {
	Commit() error
}

// Resetter discards per-attempt state so another attempt can start clean.
type Resetter interface {
	Reset() error
}

// HeaderMatcher decides whether a response header survives Reset.
type HeaderMatcher func(name string) bool

// MatchHeaders compiles pattern into a HeaderMatcher. The pattern must match
// the whole canonical header name, ignoring case. An empty pattern returns a
// nil matcher, which preserves nothing.
func MatchHeaders(pattern string) (HeaderMatcher, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)$`)
	if err != nil {
		return nil, err
	}
	return func(name string) bool {
		return re.MatchString(http.CanonicalHeaderKey(name))
	}, nil
}

type handle int

const (
	noHandle handle = iota
	byteHandle
	textHandle
)

// writeOnly hides everything but Write from handlers.
type writeOnly struct {
	w io.Writer
}

func (w writeOnly) Write(p []byte) (int, error) {
	return w.w.Write(p)
}
