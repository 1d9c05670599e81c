package spill

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealChunk is the plaintext size of one sealed record. Every record but the
// last is exactly this size. The last record is flagged in its additional
// data and may be anywhere from empty to full.
const sealChunk = 64 << 10

var (
	middleRecord = []byte{0}
	finalRecord  = []byte{1}

	errTruncated = errors.New("stream ends before its final record")
	errTrailing  = errors.New("data after the final record")
)

// chunkNonce derives the nonce for record seq from the buffer's base nonce.
func chunkNonce(dst, base []byte, seq uint64) []byte {
	dst = append(dst[:0], base...)
	tail := dst[len(dst)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^seq)
	return dst
}

// sealer encrypts a byte stream as a sequence of chacha20poly1305 records.
// A full record is held back until more input arrives, so Close can always
// mark the last one final.
type sealer struct {
	aead   cipher.AEAD
	base   []byte
	nonce  []byte
	w      io.Writer
	buf    []byte
	out    []byte
	seq    uint64
	closed bool
}

func newSealer(key, nonce []byte, w io.Writer) (*sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return &sealer{
		aead: aead,
		base: nonce,
		w:    w,
		buf:  make([]byte, 0, sealChunk),
	}, nil
}

func (s *sealer) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	written := 0
	for len(p) > 0 {
		if len(s.buf) == sealChunk {
			if err := s.seal(middleRecord); err != nil {
				return written, err
			}
		}
		take := min(sealChunk-len(s.buf), len(p))
		s.buf = append(s.buf, p[:take]...)
		p = p[take:]
		written += take
	}
	return written, nil
}

// Close seals the final record, which may be empty. It is idempotent.
func (s *sealer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.seal(finalRecord)
}

func (s *sealer) seal(ad []byte) error {
	s.nonce = chunkNonce(s.nonce, s.base, s.seq)
	s.out = s.aead.Seal(s.out[:0], s.nonce, s.buf, ad)
	s.seq++
	s.buf = s.buf[:0]
	_, err := s.w.Write(s.out)
	return err
}

// opener decrypts a stream produced by sealer. A stream that ends without a
// final record, or continues past one, fails as an *IOError.
type opener struct {
	aead  cipher.AEAD
	base  []byte
	nonce []byte
	r     io.Reader
	buf   []byte
	plain []byte
	off   int
	seq   uint64
	final bool
	err   error
}

func newOpener(key, nonce []byte, r io.Reader) (*opener, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &opener{
		aead: aead,
		base: nonce,
		r:    r,
		buf:  make([]byte, sealChunk+aead.Overhead()),
	}, nil
}

func (o *opener) Read(p []byte) (int, error) {
	for o.off >= len(o.plain) {
		if o.err != nil {
			return 0, o.err
		}
		o.fill()
	}
	n := copy(p, o.plain[o.off:])
	o.off += n
	return n, nil
}

func (o *opener) fill() {
	o.plain, o.off = o.plain[:0], 0

	if o.final {
		n, err := io.ReadFull(o.r, o.buf[:1])
		switch {
		case n > 0:
			o.err = &IOError{Op: "decrypt", Err: errTrailing}
		case err == io.EOF:
			o.err = io.EOF
		default:
			o.err = &IOError{Op: "read", Err: err}
		}
		return
	}

	n, err := io.ReadFull(o.r, o.buf)
	switch {
	case err == io.EOF:
		o.err = &IOError{Op: "decrypt", Err: errTruncated}
		return
	case err == io.ErrUnexpectedEOF:
		// short record
	case err != nil:
		o.err = &IOError{Op: "read", Err: err}
		return
	}

	o.nonce = chunkNonce(o.nonce, o.base, o.seq)
	plain, oerr := o.aead.Open(o.plain[:0], o.nonce, o.buf[:n], middleRecord)
	if oerr != nil {
		plain, oerr = o.aead.Open(o.plain[:0], o.nonce, o.buf[:n], finalRecord)
		if oerr != nil {
			o.err = &IOError{Op: "decrypt", Err: oerr}
			return
		}
		o.final = true
	}
	o.seq++
	o.plain = plain
}
