package congestion

import (
	"bytes"
	"fmt"
	"time"

	"github.com/opd-ai/torcore/clock"
)

// Algorithm is the interface between the circuit reactor and a
// congestion control algorithm. Informing calls return an error only
// for unrecoverable conditions or protocol violations; either way the
// circuit must be closed.
type Algorithm interface {
	// NextCellIsSendme reports whether the cell just sent will be acked
	// by a SENDME.
	NextCellIsSendme() bool
	// CanSend reports whether a DATA cell may be sent.
	CanSend() bool
	// Window returns the congestion window, or nil for algorithms that
	// do not keep one.
	Window() *Window
	// Inflight returns the number of sent-but-unacked cells.
	Inflight() uint32

	// DataReceived records an incoming DATA cell and reports whether a
	// SENDME should be sent immediately.
	DataReceived() (bool, error)
	// DataSent records an outgoing DATA cell.
	DataSent() error
	// SendmeReceived folds a SENDME and the current congestion signals
	// into the algorithm state.
	SendmeReceived(state *State, rtt *RTTEstimator, signals Signals) error
	// SendmeSent records an outgoing SENDME.
	SendmeSent() error
}

// sendmeValidator tracks the crypto tags of the cells whose SENDMEs
// are outstanding, in order, and matches incoming authenticated
// SENDMEs against them.
type sendmeValidator struct {
	expected [][]byte
}

func (v *sendmeValidator) record(tag []byte) {
	v.expected = append(v.expected, append([]byte(nil), tag...))
}

func (v *sendmeValidator) validate(tag []byte) error {
	if len(v.expected) == 0 {
		return ErrMismatchedSendme
	}
	want := v.expected[0]
	v.expected = v.expected[1:]
	if !bytes.Equal(want, tag) {
		return fmt.Errorf("congestion: sendme tag does not match any sent cell: %w", ErrMismatchedSendme)
	}
	return nil
}

// Control is the congestion control state of one circuit leg's end
// hop. It owns the state machine, the RTT estimator, the SENDME
// validator and the algorithm, and is driven by the reactor on every
// DATA and SENDME event.
//
// Not safe for concurrent use; the owning reactor is the only caller.
type Control struct {
	state     State
	rtt       *RTTEstimator
	algorithm Algorithm
	validator sendmeValidator
	clk       clock.TimeProvider
}

// NewControl creates a Control running Tor Vegas with the given
// parameters. The time provider is injectable for tests.
func NewControl(params Params, clk clock.TimeProvider) *Control {
	state := SlowStart
	cwnd := NewWindow(params.Window)
	return &Control{
		state:     state,
		rtt:       NewRTTEstimator(params.RTT),
		algorithm: NewVegas(params.Vegas, state, cwnd),
		clk:       clk,
	}
}

// CanSend reports whether a DATA cell is allowed on the wire right now.
func (c *Control) CanSend() bool {
	return c.algorithm.CanSend()
}

// State returns the current congestion control phase.
func (c *Control) State() State {
	return c.state
}

// RTT exposes the RTT estimator, read-only by convention. The conflux
// layer uses it for leg selection.
func (c *Control) RTT() *RTTEstimator {
	return c.rtt
}

// Algorithm returns the running algorithm.
func (c *Control) Algorithm() Algorithm {
	return c.algorithm
}

// NoteDataSent must be called for every outgoing DATA cell, with the
// crypto tag of the cell as sent. When the cell is one a SENDME will
// ack, the tag and timestamp are recorded for validation and RTT
// measurement.
func (c *Control) NoteDataSent(tag []byte) error {
	// The algorithm goes first so the inflight count is current for
	// the SENDME bookkeeping below.
	if err := c.algorithm.DataSent(); err != nil {
		return err
	}
	if c.algorithm.NextCellIsSendme() {
		c.validator.record(tag)
		if c.algorithm.Window() != nil {
			c.rtt.ExpectSendme(c.clk.Now())
		}
	}
	return nil
}

// NoteDataReceived must be called for every incoming DATA cell.
// Returns true when a SENDME should be sent in response.
func (c *Control) NoteDataReceived() (bool, error) {
	return c.algorithm.DataReceived()
}

// NoteSendmeReceived must be called for every incoming SENDME, with
// the tag it authenticates and the current channel signals. Any error
// is a protocol violation that must close the circuit.
func (c *Control) NoteSendmeReceived(tag []byte, signals Signals) error {
	// Validation comes before any state change.
	if err := c.validator.validate(tag); err != nil {
		return err
	}
	if cwnd := c.algorithm.Window(); cwnd != nil {
		if err := c.rtt.Update(c.clk.Now(), c.state, cwnd); err != nil {
			return err
		}
	}
	return c.algorithm.SendmeReceived(&c.state, c.rtt, signals)
}

// NoteSendmeSent must be called for every outgoing SENDME.
func (c *Control) NoteSendmeSent() error {
	return c.algorithm.SendmeSent()
}

// MinRTT returns the minimum observed RTT, zero before any estimate.
func (c *Control) MinRTT() time.Duration {
	return time.Duration(c.rtt.MinRTTUsec()) * time.Microsecond
}
