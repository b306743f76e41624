package tunnel

import (
	"errors"
	"sync"

	"github.com/opd-ai/torcore/relaycell"
)

// ErrTransportClosed is returned by Send after the transport closed.
var ErrTransportClosed = errors.New("tunnel: transport closed")

// LegTransport moves relay cell bodies for one circuit leg. The relay
// crypto sits below this interface; cells cross it already stripped of
// (or not yet wrapped in) their onion layers.
//
// Recv's channel closes when the transport does; that is the reactor's
// signal that the leg is gone.
type LegTransport interface {
	// Recv returns the channel of inbound cells.
	Recv() <-chan relaycell.UnparsedCell
	// Send puts one cell body on the wire.
	Send(body [relaycell.CellBodyLen]byte) error
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// ChanTransport is an in-memory LegTransport over channels, used in
// tests and by the examples. NewChanTransportPair returns both ends of
// the pipe.
type ChanTransport struct {
	sendCh chan relaycell.UnparsedCell
	recvCh chan relaycell.UnparsedCell

	mu     sync.Mutex
	closed bool
}

// NewChanTransportPair creates two connected transports, each with the
// given inbound buffer size.
func NewChanTransportPair(buffer int) (*ChanTransport, *ChanTransport) {
	ab := make(chan relaycell.UnparsedCell, buffer)
	ba := make(chan relaycell.UnparsedCell, buffer)
	a := &ChanTransport{sendCh: ab, recvCh: ba}
	b := &ChanTransport{sendCh: ba, recvCh: ab}
	return a, b
}

// Recv returns the inbound cell channel.
func (t *ChanTransport) Recv() <-chan relaycell.UnparsedCell {
	return t.recvCh
}

// Send delivers a cell to the peer end.
func (t *ChanTransport) Send(body [relaycell.CellBodyLen]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.sendCh <- relaycell.NewUnparsedCell(body)
	return nil
}

// Close closes the sending direction, which the peer observes as its
// receive channel closing.
func (t *ChanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.sendCh)
	}
	return nil
}
