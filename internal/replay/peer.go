package replay

import (
	"errors"
	"syscall"
)

// ErrPeerClosed is returned by transports when the client stopped reading.
var ErrPeerClosed = errors.New("replay: peer closed the connection")

// IsPeerClosed reports whether err means the far end has gone away, so no
// response can be delivered. The recognised set is ErrPeerClosed, EPIPE and
// ECONNRESET.
func IsPeerClosed(err error) bool {
	return errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
