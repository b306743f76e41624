package conflux

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torcore/clock"
	"github.com/opd-ai/torcore/congestion"
	"github.com/opd-ai/torcore/relaycell"
)

// HopNum identifies a hop position on a circuit, zero-based from the
// guard.
type HopNum uint8

// String implements fmt.Stringer.
func (h HopNum) String() string {
	return fmt.Sprintf("#%d", uint8(h))
}

// Status is the conflux linking state of one circuit leg.
type Status int

const (
	// StatusUnlinked means the leg has not begun the handshake.
	StatusUnlinked Status = iota
	// StatusPending means the LINK cell was sent and the LINKED
	// response is awaited.
	StatusPending
	// StatusLinked means the handshake completed on this leg.
	StatusLinked
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusUnlinked:
		return "unlinked"
	case StatusPending:
		return "pending"
	case StatusLinked:
		return "linked"
	default:
		return "unknown"
	}
}

// linkTimeout is the maximum time to wait for the LINKED response.
// Prop329 allows anything up to the circuit build timeout here.
const linkTimeout = 60 * time.Second

// SeqDelivered is the absolute sequence number of the last message
// delivered to a stream, shared by every leg of a conflux set.
type SeqDelivered struct {
	n atomic.Uint64
}

// Load returns the current delivered count.
func (s *SeqDelivered) Load() uint64 {
	return s.n.Load()
}

// Inc adds one to the delivered count.
func (s *SeqDelivered) Inc() {
	s.n.Add(1)
}

// HandshakeComplete is returned by HandleMsg when the LINKED response
// validates. The reactor must send Cell (a LINKED_ACK) on the same leg
// toward Hop.
type HandshakeComplete struct {
	Hop  HopNum
	Cell *relaycell.Cell
}

// Action is the verdict on an incoming data-bearing message: deliver
// it to its stream now, or buffer it until the gap before it closes.
type Action struct {
	// Deliver is true when the message is in order.
	Deliver bool
	// Enqueue holds the reordering entry when Deliver is false.
	Enqueue *OooMsg
}

// OooMsg is a message received ahead of its turn, waiting in the
// reordering queue.
type OooMsg struct {
	// Seqno is the absolute sequence number assigned to the message.
	Seqno uint64
	// StreamID is the stream the message belongs to.
	StreamID relaycell.StreamID
	// Cell is the undecoded cell.
	Cell relaycell.UnparsedCell
}

// Handler is the client-side conflux state machine for one circuit
// leg. It owns the handshake state, the relative sequence numbers of
// the leg, and the SWITCH validation logic.
//
// Owned and driven by the tunnel reactor goroutine.
type Handler struct {
	status Status

	// The nonce identifying this conflux set. The LINKED response must
	// echo it exactly.
	nonce     relaycell.Nonce
	joinPoint HopNum

	// RTT between sending LINK and receiving LINKED.
	initRTT    time.Duration
	hasInitRTT bool

	linkSentAt  time.Time
	hasLinkSent bool

	// Relative sequence numbers for this leg. lastSeqRecv counts cells
	// received here plus SWITCH deltas; lastSeqSent counts cells sent.
	lastSeqRecv uint64
	lastSeqSent uint64

	// Shared absolute delivered counter for the whole set.
	delivered *SeqDelivered

	haveSeenSwitch   bool
	cellsSinceSwitch int

	// Initial congestion window, used for SWITCH validation.
	cwndInit uint32

	clk clock.TimeProvider
	log *logrus.Entry
}

// NewHandler creates a handler for one unlinked leg.
func NewHandler(joinPoint HopNum, nonce relaycell.Nonce, delivered *SeqDelivered,
	cwndParams congestion.WindowParams, clk clock.TimeProvider, log *logrus.Entry) *Handler {
	return &Handler{
		status:    StatusUnlinked,
		nonce:     nonce,
		joinPoint: joinPoint,
		delivered: delivered,
		cwndInit:  cwndParams.CwndInit,
		clk:       clk,
		log:       log,
	}
}

// Status returns the linking state of this leg.
func (h *Handler) Status() Status {
	return h.status
}

// ValidateSourceHop checks that a conflux cell arrived from the join
// point. Conflux cells from any other hop are a cell injection side
// channel (prop329 section 4.2.1).
func (h *Handler) ValidateSourceHop(cmd relaycell.RelayCommand, hop HopNum) error {
	if hop != h.joinPoint {
		return protocolViolation("received %s cell from unexpected hop %s", cmd, hop)
	}
	return nil
}

// NoteLinkSent records that the LINK cell went on the wire at ts and
// moves the leg into the pending state.
func (h *Handler) NoteLinkSent(ts time.Time) error {
	if h.status != StatusUnlinked {
		return internalBug("sent duplicate LINK cell")
	}
	h.status = StatusPending
	h.linkSentAt = ts
	h.hasLinkSent = true
	return nil
}

// HandshakeTimeout returns the time at which the pending handshake
// expires. The second return is false when no handshake is in
// progress.
func (h *Handler) HandshakeTimeout() (time.Time, bool) {
	if h.status != StatusPending || !h.hasLinkSent {
		return time.Time{}, false
	}
	return h.linkSentAt.Add(linkTimeout), true
}

// InitRTT returns the handshake RTT measurement, if taken.
func (h *Handler) InitRTT() (time.Duration, bool) {
	return h.initRTT, h.hasInitRTT
}

// LastSeqRecv returns the relative receive sequence number of this leg.
func (h *Handler) LastSeqRecv() uint64 {
	return h.lastSeqRecv
}

// LastSeqSent returns the relative send sequence number of this leg.
func (h *Handler) LastSeqSent() uint64 {
	return h.lastSeqSent
}

// SetLastSeqSent overwrites the send sequence number. Used when the
// set switches its sending leg and the seqno carries over.
func (h *Handler) SetLastSeqSent(n uint64) {
	h.lastSeqSent = n
}

// NoteCellSent updates the send sequence number for an outgoing cell.
func (h *Handler) NoteCellSent(cmd relaycell.RelayCommand) {
	if cmd.CountsTowardSeqno() {
		h.lastSeqSent++
	}
}

// HandleMsg processes a conflux control cell received on this leg from
// hop. A non-nil HandshakeComplete asks the reactor to send the
// LINKED_ACK. Any error is a reason to remove the leg from the set.
func (h *Handler) HandleMsg(cell *relaycell.Cell, hop HopNum) (*HandshakeComplete, error) {
	if err := h.ValidateSourceHop(cell.Command(), hop); err != nil {
		return nil, err
	}
	switch msg := cell.Msg().(type) {
	case *relaycell.ConfluxLink:
		// Clients never receive LINK requests.
		return nil, protocolViolation("unexpected %s cell on client circuit", cell.Command())
	case *relaycell.ConfluxLinked:
		return h.handleLinked(msg, hop)
	case *relaycell.ConfluxLinkedAck:
		// LINKED_ACK only ever flows toward the join point.
		return nil, protocolViolation("unexpected %s cell on client circuit", cell.Command())
	case *relaycell.ConfluxSwitch:
		return nil, h.handleSwitch(msg)
	default:
		return nil, internalBug("non-conflux cell %s in conflux handler", cell.Command())
	}
}

// handleLinked validates a LINKED response. To block dropmark attacks
// this rejects the cell unless this leg sent a LINK and is still
// waiting, and the echoed nonce matches exactly.
func (h *Handler) handleLinked(msg *relaycell.ConfluxLinked, hop HopNum) (*HandshakeComplete, error) {
	if !h.hasLinkSent {
		return nil, protocolViolation("received LINKED cell before sending LINK")
	}
	switch h.status {
	case StatusUnlinked:
		return nil, protocolViolation("received LINKED cell before sending LINK")
	case StatusLinked:
		return nil, protocolViolation("received LINKED on already linked circuit")
	case StatusPending:
	}

	if !h.nonce.Equal(msg.Payload.Nonce) {
		return nil, protocolViolation("received LINKED cell with mismatched nonce")
	}
	h.status = StatusLinked

	rtt := h.clk.Now().Sub(h.linkSentAt)
	if rtt < 0 {
		h.log.Warn("Clock moved backwards while measuring conflux handshake RTT")
		rtt = math.MaxInt64
	}
	h.initRTT = rtt
	h.hasInitRTT = true

	return &HandshakeComplete{
		Hop:  hop,
		Cell: relaycell.NewCell(0, &relaycell.ConfluxLinkedAck{}),
	}, nil
}

// handleSwitch validates a SWITCH cell and applies its seqno delta to
// this leg.
func (h *Handler) handleSwitch(msg *relaycell.ConfluxSwitch) error {
	if h.status != StatusLinked {
		return protocolViolation("received SWITCH on unlinked circuit")
	}

	// Consecutive SWITCH cells with no multiplexed traffic in between
	// serve no purpose except as a side channel.
	if h.haveSeenSwitch && h.cellsSinceSwitch == 0 {
		return protocolViolation("received consecutive SWITCH cells on circuit")
	}

	if err := h.validateSwitchSeqno(msg.Seqno); err != nil {
		return err
	}

	// SWITCH cells are not multiplexed, so the delta is applied without
	// the +1 that data-bearing cells get.
	h.lastSeqRecv += uint64(msg.Seqno)
	h.haveSeenSwitch = true
	h.cellsSinceSwitch = 0
	return nil
}

// validateSwitchSeqno rejects seqno deltas that cannot occur in honest
// operation: zero deltas, and a first SWITCH larger than the initial
// congestion window before any data was delivered.
func (h *Handler) validateSwitchSeqno(seqno uint32) error {
	if seqno == 0 {
		return protocolViolation("received SWITCH cell with seqno 0")
	}
	noData := h.delivered.Load() == 0
	if noData && !h.haveSeenSwitch && seqno > h.cwndInit {
		return protocolViolation("SWITCH cell seqno exceeds initial cwnd")
	}
	return nil
}

// ActionForMsg assigns a sequence number to an incoming data-bearing
// message and decides whether to deliver or buffer it. Messages whose
// command does not count toward sequence numbers are always delivered.
func (h *Handler) ActionForMsg(streamID relaycell.StreamID, cell relaycell.UnparsedCell) (Action, error) {
	if !cell.Command().CountsTowardSeqno() {
		return Action{Deliver: true}, nil
	}

	h.lastSeqRecv++
	h.cellsSinceSwitch++

	delivered := h.delivered.Load()
	switch {
	case h.lastSeqRecv < delivered+1:
		return Action{}, internalBug("conflux cell sequence number below last delivered")
	case h.lastSeqRecv == delivered+1:
		return Action{Deliver: true}, nil
	default:
		return Action{Enqueue: &OooMsg{
			Seqno:    h.lastSeqRecv,
			StreamID: streamID,
			Cell:     cell,
		}}, nil
	}
}

// NoteDelivered bumps the shared delivered counter if the message
// counts toward sequence numbers.
func (h *Handler) NoteDelivered(cmd relaycell.RelayCommand) {
	if cmd.CountsTowardSeqno() {
		h.delivered.Inc()
	}
}
