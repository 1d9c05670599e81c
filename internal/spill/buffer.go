// Package spill implements an append-only byte sink that stays in memory up to
// a threshold and then transparently moves to a private temporary file.
//
// Lifecycle:
//
//	b := spill.New(opts)
//	defer b.Destroy()
//	b.Write(...)            // memory, then file once Len() > MemoryThreshold
//	r, _ := b.Snapshot()    // closes the write side, independent reader
//
// Invariants:
//   - once spilled the buffer stays file-backed until Destroy
//   - a write that would take Len() past MaxSize destroys the buffer and
//     returns ErrContentTooLarge; the size check runs before the spill check
//   - when Encrypt is set the key and nonce exist only in this Buffer and are
//     zeroed on Destroy
package spill

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultMemoryThreshold is the in-memory limit before spilling (4 MiB).
	DefaultMemoryThreshold int64 = 4 << 20

	// DefaultMaxSize is the hard ceiling for buffered content (4 GiB).
	DefaultMaxSize int64 = 4 << 30
)

var (
	// ErrContentTooLarge is returned when a write would exceed MaxSize.
	ErrContentTooLarge = errors.New("spill: content too large")

	// ErrClosed is returned when writing after Flush or Snapshot.
	ErrClosed = errors.New("spill: buffer closed for writing")

	// ErrDestroyed is returned when using a buffer after Destroy.
	ErrDestroyed = errors.New("spill: buffer destroyed")
)

// IOError is a failure of the backing file or of the at-rest cipher.
// Cipher failures are reported as IOError so callers never special-case
// cryptography.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("spill: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Options configures a Buffer. Non-positive sizes select the defaults.
type Options struct {
	MemoryThreshold int64
	MaxSize         int64
	Encrypt         bool
	// TempDir is where spill files are created. Empty means os.TempDir().
	TempDir string
}

func (o Options) withDefaults() Options {
	if o.MemoryThreshold <= 0 {
		o.MemoryThreshold = DefaultMemoryThreshold
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	return o
}

// Buffer is a memory-then-file byte sink. It is safe for concurrent use but
// is meant to be owned by a single request.
type Buffer struct {
	mu   sync.Mutex
	opts Options

	mem    []byte
	length int64

	file   *os.File
	path   string
	bw     *bufio.Writer
	sealer *sealer

	key   []byte
	nonce []byte

	closed    bool
	destroyed bool
	readers   []*snapshot
}

// New creates an empty in-memory buffer.
func New(opts Options) *Buffer {
	return &Buffer{opts: opts.withDefaults()}
}

// Write appends p. It implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return 0, ErrDestroyed
	}
	if b.closed {
		return 0, ErrClosed
	}

	n := int64(len(p))
	if b.length+n > b.opts.MaxSize {
		_ = b.destroyLocked()
		return 0, ErrContentTooLarge
	}

	if b.file == nil && b.length+n > b.opts.MemoryThreshold {
		if err := b.spillLocked(); err != nil {
			return 0, err
		}
	}

	if b.file != nil {
		if _, err := b.fileWriter().Write(p); err != nil {
			return 0, &IOError{Op: "write", Err: err}
		}
	} else {
		b.mem = append(b.mem, p...)
	}
	b.length += n
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// ReadFrom copies r into the buffer until EOF. It implements io.ReaderFrom so
// io.Copy streams through the size checks chunk by chunk.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, 32<<10)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := b.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Flush closes the write side. It is idempotent.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	return b.flushLocked()
}

// Snapshot closes the write side and returns a new reader positioned at the
// start of the content. Every call returns an independent reader; all of them
// stay valid until Destroy.
func (b *Buffer) Snapshot() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return nil, ErrDestroyed
	}
	if err := b.flushLocked(); err != nil {
		return nil, err
	}

	if b.path == "" {
		return io.NopCloser(bytes.NewReader(b.mem)), nil
	}

	f, err := os.Open(b.path)
	if err != nil {
		return nil, &IOError{Op: "open snapshot", Err: err}
	}
	var r io.Reader = bufio.NewReader(f)
	if b.opts.Encrypt {
		o, err := newOpener(b.key, b.nonce, r)
		if err != nil {
			f.Close()
			return nil, &IOError{Op: "init cipher", Err: err}
		}
		r = o
	}
	s := &snapshot{Reader: r, f: f}
	b.readers = append(b.readers, s)
	return s, nil
}

// Destroy closes every stream, removes the spill file and discards the key.
// It is idempotent.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyLocked()
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Spilled reports whether the buffer is file-backed.
func (b *Buffer) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path != ""
}

// Path returns the spill file path, or "" while in memory or after Destroy.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

func (b *Buffer) fileWriter() io.Writer {
	if b.sealer != nil {
		return b.sealer
	}
	return b.bw
}

// spillLocked moves the in-memory content to a new temp file and switches the
// buffer to file-backed mode.
func (b *Buffer) spillLocked() error {
	f, err := os.CreateTemp(b.opts.TempDir, "txexec-spill-*.tmp")
	if err != nil {
		return &IOError{Op: "create temp file", Err: err}
	}
	b.file = f
	b.path = f.Name()
	b.bw = bufio.NewWriter(f)

	if b.opts.Encrypt {
		b.key = make([]byte, chacha20poly1305.KeySize)
		b.nonce = make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(b.key); err != nil {
			_ = b.destroyLocked()
			return &IOError{Op: "generate key", Err: err}
		}
		if _, err := rand.Read(b.nonce); err != nil {
			_ = b.destroyLocked()
			return &IOError{Op: "generate nonce", Err: err}
		}
		s, err := newSealer(b.key, b.nonce, b.bw)
		if err != nil {
			_ = b.destroyLocked()
			return &IOError{Op: "init cipher", Err: err}
		}
		b.sealer = s
	}

	if len(b.mem) > 0 {
		if _, err := b.fileWriter().Write(b.mem); err != nil {
			_ = b.destroyLocked()
			return &IOError{Op: "spill", Err: err}
		}
	}
	b.mem = nil
	spillsTotal.Inc()
	return nil
}

func (b *Buffer) flushLocked() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.file == nil {
		return nil
	}
	if b.sealer != nil {
		if err := b.sealer.Close(); err != nil {
			return &IOError{Op: "seal", Err: err}
		}
	}
	if err := b.bw.Flush(); err != nil {
		return &IOError{Op: "flush", Err: err}
	}
	if err := b.file.Close(); err != nil {
		return &IOError{Op: "close", Err: err}
	}
	b.file = nil
	return nil
}

func (b *Buffer) destroyLocked() error {
	if b.destroyed {
		return nil
	}
	b.destroyed = true
	b.closed = true

	var errs []error
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.readers = nil

	if b.file != nil {
		if err := b.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		b.file = nil
	}
	if b.path != "" {
		if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &IOError{Op: "remove", Err: err})
		}
		b.path = ""
	}

	clear(b.key)
	clear(b.nonce)
	b.key, b.nonce = nil, nil
	b.sealer = nil
	b.bw = nil
	b.mem = nil
	return errors.Join(errs...)
}

// snapshot is a reader over the spill file.
type snapshot struct {
	io.Reader
	once sync.Once
	f    *os.File
	err  error
}

func (s *snapshot) Close() error {
	s.once.Do(func() {
		s.err = s.f.Close()
	})
	return s.err
}
