package replay

import (
	"bufio"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/txexec/internal/spill"
)

// BufferedResponse accumulates handler output and delivers it to the sink
// only on Commit.
type BufferedResponse struct {
	sink     Sink
	opts     spill.Options
	preserve HeaderMatcher

	header http.Header
	status int
	buf    *spill.Buffer

	open handle
	text *bufio.Writer

	committed bool
	closed    bool
}

// NewResponse wraps sink. Headers matched by preserve survive Reset.
func NewResponse(sink Sink, opts spill.Options, preserve HeaderMatcher) *BufferedResponse {
	return &BufferedResponse{
		sink:     sink,
		opts:     opts,
		preserve: preserve,
		header:   make(http.Header),
		buf:      spill.New(opts),
	}
}

// Header returns the pending response headers.
func (r *BufferedResponse) Header() http.Header {
	return r.header
}

// WriteHeader records the status. The first call of an attempt wins.
func (r *BufferedResponse) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

// Status returns the recorded status, or 0 if none was set.
func (r *BufferedResponse) Status() int {
	return r.status
}

func (r *BufferedResponse) Body() (io.Writer, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.open == textHandle {
		return nil, ErrStreamInUse
	}
	r.open = byteHandle
	return writeOnly{r.buf}, nil
}

func (r *BufferedResponse) Writer() (*bufio.Writer, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.open == byteHandle {
		return nil, ErrStreamInUse
	}
	if r.text == nil {
		r.text = bufio.NewWriter(writeOnly{r.buf})
	}
	r.open = textHandle
	return r.text, nil
}

// Len returns the number of body bytes buffered so far.
func (r *BufferedResponse) Len() int64 {
	return r.buf.Len()
}

// Reset discards the output of the current attempt: body, status, open
// handle and every header the preserve matcher does not claim.
func (r *BufferedResponse) Reset() error {
	if r.closed {
		return ErrClosed
	}
	if r.committed {
		return fmt.Errorf("reset response: already committed")
	}
	err := r.buf.Destroy()
	r.buf = spill.New(r.opts)
	r.text = nil
	r.open = noHandle
	r.status = 0
	for name := range r.header {
		if r.preserve == nil || !r.preserve(name) {
			delete(r.header, name)
		}
	}
	return err
}

// Finish drains the text writer into the buffer. Overflow and spill errors
// surface here rather than at Commit.
func (r *BufferedResponse) Finish() error {
	if r.closed {
		return ErrClosed
	}
	if r.text == nil {
		return nil
	}
	if err := r.text.Flush(); err != nil {
		return fmt.Errorf("finish response: %w", err)
	}
	return nil
}

// Commit copies the buffered status, headers and body to the sink. Only the
// first call writes; later calls return nil. Text output must have been
// drained by Finish.
func (r *BufferedResponse) Commit() error {
	if r.closed {
		return ErrClosed
	}
	if r.committed {
		return nil
	}
	if r.text != nil && r.text.Buffered() > 0 {
		return ErrUnfinished
	}
	r.committed = true

	dst := r.sink.Header()
	for name, values := range r.header {
		dst[name] = append([]string(nil), values...)
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	r.sink.WriteHeader(status)

	snap, err := r.buf.Snapshot()
	if err != nil {
		return fmt.Errorf("commit response: %w", err)
	}
	defer snap.Close()
	if _, err := io.Copy(r.sink, snap); err != nil {
		return fmt.Errorf("commit response: %w", err)
	}
	return nil
}

// Committed reports whether Commit has run.
func (r *BufferedResponse) Committed() bool {
	return r.committed
}

// Close destroys the buffered output. It is idempotent.
func (r *BufferedResponse) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.text = nil
	r.open = noHandle
	return r.buf.Destroy()
}

// DirectResponse writes straight to the sink. Nothing can be taken back.
type DirectResponse struct {
	sink Sink
	open handle
	text *bufio.Writer
}

// NewDirectResponse wraps sink without buffering.
func NewDirectResponse(sink Sink) *DirectResponse {
	return &DirectResponse{sink: sink}
}

func (r *DirectResponse) Header() http.Header {
	return r.sink.Header()
}

func (r *DirectResponse) WriteHeader(status int) {
	r.sink.WriteHeader(status)
}

func (r *DirectResponse) Body() (io.Writer, error) {
	if r.open == textHandle {
		return nil, ErrStreamInUse
	}
	r.open = byteHandle
	return writeOnly{r.sink}, nil
}

func (r *DirectResponse) Writer() (*bufio.Writer, error) {
	if r.open == byteHandle {
		return nil, ErrStreamInUse
	}
	if r.text == nil {
		r.text = bufio.NewWriter(writeOnly{r.sink})
	}
	r.open = textHandle
	return r.text, nil
}

// Commit flushes the text writer, if one was opened.
func (r *DirectResponse) Commit() error {
	if r.text == nil {
		return nil
	}
	return r.text.Flush()
}
