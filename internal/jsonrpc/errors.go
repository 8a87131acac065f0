package jsonrpc

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Failures returned by Correlator are marked with exactly one
// of these and can be tested with errors.Is.
var (
	// ErrTimeout means no response arrived before the deadline. The peer
	// may still be working on the request.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed means the peer went away while the request was
	// pending, or before it could be written.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRemote means the peer answered with a JSON-RPC error object.
	// errors.As with *Error recovers the code and message.
	ErrRemote = errors.New("remote error")
)

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsConnectionClosed reports whether err came from a lost peer.
func IsConnectionClosed(err error) bool { return errors.Is(err, ErrConnectionClosed) }

// RemoteError returns the peer's error object if err carries one.
func RemoteError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func closedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	return errors.Mark(errors.Wrap(cause, "connection closed"), ErrConnectionClosed)
}
