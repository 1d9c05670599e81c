package replay

import (
	"bufio"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/txexec/internal/spill"
)

// BufferedRequest captures the inbound body once and serves every attempt
// from snapshots of the captured bytes.
type BufferedRequest struct {
	src  Source
	opts spill.Options

	buf        *spill.Buffer
	captured   bool
	captureErr error
	closed     bool

	open handle
	snap io.ReadCloser
	text *bufio.Reader
}

// NewRequest wraps src. The body is not read until a handler asks for it.
func NewRequest(src Source, opts spill.Options) *BufferedRequest {
	if src.Header == nil {
		src.Header = make(http.Header)
	}
	return &BufferedRequest{src: src, opts: opts}
}

// Header returns the inbound headers.
func (r *BufferedRequest) Header() http.Header {
	return r.src.Header
}

// Body returns a byte stream over the captured body.
func (r *BufferedRequest) Body() (io.Reader, error) {
	switch r.open {
	case byteHandle:
		return r.snap, nil
	case textHandle:
		return nil, ErrStreamInUse
	}
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	r.snap = snap
	r.open = byteHandle
	return snap, nil
}

// Reader returns a text reader over the captured body.
func (r *BufferedRequest) Reader() (*bufio.Reader, error) {
	switch r.open {
	case textHandle:
		return r.text, nil
	case byteHandle:
		return nil, ErrStreamInUse
	}
	snap, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	r.snap = snap
	r.text = bufio.NewReader(snap)
	r.open = textHandle
	return r.text, nil
}

// Len returns the captured body size, or 0 before capture.
func (r *BufferedRequest) Len() int64 {
	if r.buf == nil {
		return 0
	}
	return r.buf.Len()
}

// Reset drops the open handle so the next attempt starts at byte zero. The
// captured bytes are kept.
func (r *BufferedRequest) Reset() error {
	if r.closed {
		return ErrClosed
	}
	return r.release()
}

// Close releases the handle and destroys the captured body.
func (r *BufferedRequest) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.release()
	if r.buf != nil {
		if derr := r.buf.Destroy(); err == nil {
			err = derr
		}
	}
	return err
}

func (r *BufferedRequest) release() error {
	var err error
	if r.snap != nil {
		err = r.snap.Close()
	}
	r.snap = nil
	r.text = nil
	r.open = noHandle
	return err
}

func (r *BufferedRequest) snapshot() (io.ReadCloser, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if err := r.captureBody(); err != nil {
		return nil, err
	}
	return r.buf.Snapshot()
}

// captureBody copies the transport body into the spill buffer. It runs once;
// a failed capture is remembered because the transport stream is spent.
func (r *BufferedRequest) captureBody() error {
	if r.captured {
		return nil
	}
	if r.captureErr != nil {
		return r.captureErr
	}
	buf := spill.New(r.opts)
	if r.src.Body != nil {
		if _, err := io.Copy(buf, r.src.Body); err != nil {
			_ = buf.Destroy()
			r.captureErr = fmt.Errorf("capture request body: %w", err)
			return r.captureErr
		}
	}
	if err := buf.Flush(); err != nil {
		_ = buf.Destroy()
		r.captureErr = fmt.Errorf("capture request body: %w", err)
		return r.captureErr
	}
	r.buf = buf
	r.captured = true
	return nil
}

// DirectRequest reads straight from the transport. It cannot be replayed.
type DirectRequest struct {
	src  Source
	open handle
	text *bufio.Reader
}

// NewDirectRequest wraps src without buffering.
func NewDirectRequest(src Source) *DirectRequest {
	if src.Header == nil {
		src.Header = make(http.Header)
	}
	if src.Body == nil {
		src.Body = http.NoBody
	}
	return &DirectRequest{src: src}
}

func (r *DirectRequest) Header() http.Header {
	return r.src.Header
}

func (r *DirectRequest) Body() (io.Reader, error) {
	if r.open == textHandle {
		return nil, ErrStreamInUse
	}
	r.open = byteHandle
	return r.src.Body, nil
}

func (r *DirectRequest) Reader() (*bufio.Reader, error) {
	if r.open == byteHandle {
		return nil, ErrStreamInUse
	}
	if r.text == nil {
		r.text = bufio.NewReader(r.src.Body)
	}
	r.open = textHandle
	return r.text, nil
}
