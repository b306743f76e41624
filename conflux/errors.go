package conflux

import (
	"errors"
	"fmt"
)

// ErrProtocol indicates the peer violated the conflux protocol. The
// affected leg must be removed from the set; depending on set state the
// whole tunnel may have to close.
var ErrProtocol = errors.New("conflux: protocol violation")

// ErrBug indicates broken internal accounting rather than peer
// behavior. It should never happen.
var ErrBug = errors.New("conflux: internal error")

// ErrShutdown instructs the reactor to tear down the entire tunnel.
var ErrShutdown = errors.New("conflux: tunnel must shut down")

// ErrNoSuchLeg is returned when an operation names a leg that is not
// in the set.
var ErrNoSuchLeg = errors.New("conflux: no such leg")

func protocolViolation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func internalBug(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBug, fmt.Sprintf(format, args...))
}
