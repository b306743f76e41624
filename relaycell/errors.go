package relaycell

import (
	"errors"
	"fmt"
)

// Common errors for relay cell encoding and decoding.
//
// ErrInvalidMessage and errors wrapping it come from untrusted peer
// input; ErrEncodeTooLong indicates a local caller bug. Callers that
// need to tell an attack apart from a bug should use errors.Is against
// these two sentinels.
var (
	// ErrInvalidMessage indicates a malformed message from the peer.
	ErrInvalidMessage = errors.New("relaycell: invalid message")

	// ErrEncodeTooLong indicates a message body that does not fit in a
	// cell. This is a local programming error, not a protocol condition.
	ErrEncodeTooLong = errors.New("relaycell: message body exceeds cell capacity")
)

// invalidMessagef wraps ErrInvalidMessage with context.
func invalidMessagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
