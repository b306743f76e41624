package conflux

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torcore/clock"
	"github.com/opd-ai/torcore/congestion"
	"github.com/opd-ai/torcore/relaycell"
)

// LegID uniquely identifies a circuit leg within a process.
type LegID ulid.ULID

// NewLegID generates a leg ID from the given clock and entropy source.
func NewLegID(clk clock.TimeProvider, entropy io.Reader) (LegID, error) {
	id, err := ulid.New(ulid.Timestamp(clk.Now()), entropy)
	if err != nil {
		return LegID{}, fmt.Errorf("conflux: failed to generate leg ID: %w", err)
	}
	return LegID(id), nil
}

// String implements fmt.Stringer.
func (id LegID) String() string {
	return ulid.ULID(id).String()
}

// Leg pairs one circuit's conflux handler with its congestion control
// state. The set reads both when choosing a sending leg.
type Leg struct {
	id       LegID
	handler  *Handler
	ccontrol *congestion.Control
}

// NewLeg creates a leg from its parts.
func NewLeg(id LegID, handler *Handler, ccontrol *congestion.Control) *Leg {
	return &Leg{id: id, handler: handler, ccontrol: ccontrol}
}

// ID returns the leg identifier.
func (l *Leg) ID() LegID {
	return l.id
}

// Handler returns the conflux state machine of this leg.
func (l *Leg) Handler() *Handler {
	return l.handler
}

// Control returns the congestion control state of this leg.
func (l *Leg) Control() *congestion.Control {
	return l.ccontrol
}

// Set is a conflux set: the circuits linked (or being linked) into one
// multi-path tunnel, and the logic that picks which of them sends.
//
// Owned by the tunnel reactor goroutine; the only state shared with
// other goroutines is the delivered counter.
type Set struct {
	joinPoint HopNum
	nonce     relaycell.Nonce
	desiredUX relaycell.DesiredUX

	delivered *SeqDelivered

	legs []*Leg

	primaryID  LegID
	hasPrimary bool
	// Whether the initial primary selection from handshake RTTs has
	// happened yet.
	selectedInitPrimary bool

	log *logrus.Entry
}

// NewSet creates an empty conflux set identified by nonce.
func NewSet(joinPoint HopNum, nonce relaycell.Nonce, desiredUX relaycell.DesiredUX, log *logrus.Entry) *Set {
	return &Set{
		joinPoint: joinPoint,
		nonce:     nonce,
		desiredUX: desiredUX,
		delivered: &SeqDelivered{},
		log:       log,
	}
}

// JoinPoint returns the hop where the legs of this set join.
func (s *Set) JoinPoint() HopNum {
	return s.joinPoint
}

// Nonce returns the nonce identifying this set.
func (s *Set) Nonce() relaycell.Nonce {
	return s.nonce
}

// Delivered returns the shared delivered-sequence counter.
func (s *Set) Delivered() *SeqDelivered {
	return s.delivered
}

// LinkPayload builds the v1 payload for the LINK cell of a new leg.
func (s *Set) LinkPayload() relaycell.LinkPayload {
	return relaycell.LinkPayload{
		Nonce:     s.nonce,
		DesiredUX: s.desiredUX,
	}
}

// Len returns the number of legs currently in the set.
func (s *Set) Len() int {
	return len(s.legs)
}

// Legs returns the legs in insertion order. The slice must not be
// mutated.
func (s *Set) Legs() []*Leg {
	return s.legs
}

// Leg returns the leg with the given ID, or nil.
func (s *Set) Leg(id LegID) *Leg {
	for _, leg := range s.legs {
		if leg.id == id {
			return leg
		}
	}
	return nil
}

// AddLeg adds a leg to the set. The first leg added becomes the
// primary until handshake RTTs pick a better one.
func (s *Set) AddLeg(leg *Leg) error {
	if s.Leg(leg.id) != nil {
		return internalBug("leg %s already in conflux set", leg.id)
	}
	s.legs = append(s.legs, leg)
	if !s.hasPrimary {
		s.primaryID = leg.id
		s.hasPrimary = true
	}
	return nil
}

// PrimaryLeg returns the current sending leg.
func (s *Set) PrimaryLeg() (*Leg, error) {
	if !s.hasPrimary {
		return nil, internalBug("conflux set has no legs")
	}
	leg := s.Leg(s.primaryID)
	if leg == nil {
		return nil, internalBug("primary leg disappeared")
	}
	return leg, nil
}

// Remove takes the leg out of the set and decides whether the tunnel
// can survive its loss.
//
// Returns the removed leg, and an error wrapping ErrShutdown if the
// whole set must close:
//
//   - the set is empty after the removal
//   - the removed leg was the sending leg
//   - the removed leg had the highest receive or send sequence number
//   - the removed leg still had at least one SENDME increment of data
//     in flight
//
// Resumption of a closed leg's traffic is not supported (prop329
// section 2.4.3).
func (s *Set) Remove(id LegID) (*Leg, error) {
	idx := -1
	for i, leg := range s.legs {
		if leg.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNoSuchLeg
	}
	leg := s.legs[idx]
	s.legs = append(s.legs[:idx], s.legs[idx+1:]...)

	s.log.WithField("leg", id).Trace("Circuit removed from conflux set")

	if len(s.legs) == 0 {
		return leg, fmt.Errorf("conflux set is empty: %w", ErrShutdown)
	}

	if s.hasPrimary && id == s.primaryID {
		return leg, fmt.Errorf("sending leg closed: %w", ErrShutdown)
	}

	if leg.handler.Status() == StatusUnlinked {
		// The leg never started the handshake; losing it is harmless.
		return leg, nil
	}

	// If the closed leg was ahead of every remaining leg, data is lost
	// and the tunnel cannot continue.
	if max, ok := s.MaxLastSeqRecv(); ok && leg.handler.LastSeqRecv() > max {
		return leg, fmt.Errorf("closed leg had highest receive seqno: %w", ErrShutdown)
	}
	if max, ok := s.MaxLastSeqSent(); ok && leg.handler.LastSeqSent() > max {
		return leg, fmt.Errorf("closed leg had highest send seqno: %w", ErrShutdown)
	}

	// In-progress data on the closed leg cannot be resumed.
	alg := leg.ccontrol.Algorithm()
	if cwnd := alg.Window(); cwnd != nil && alg.Inflight() >= cwnd.SendmeInc() {
		return leg, fmt.Errorf("closed leg had data in flight: %w", ErrShutdown)
	}

	return leg, nil
}

// MaxLastSeqRecv returns the highest receive sequence number across
// the legs, false if the set is empty.
func (s *Set) MaxLastSeqRecv() (uint64, bool) {
	var max uint64
	for _, leg := range s.legs {
		if leg.handler.LastSeqRecv() > max {
			max = leg.handler.LastSeqRecv()
		}
	}
	return max, len(s.legs) > 0
}

// MaxLastSeqSent returns the highest send sequence number across the
// legs, false if the set is empty.
func (s *Set) MaxLastSeqSent() (uint64, bool) {
	var max uint64
	for _, leg := range s.legs {
		if leg.handler.LastSeqSent() > max {
			max = leg.handler.LastSeqSent()
		}
	}
	return max, len(s.legs) > 0
}

// MaybeUpdatePrimaryLeg reevaluates which leg should send, according
// to the set's desired UX. If the sending leg changes, it returns the
// SWITCH cell that must be sent on the new leg before any further
// multiplexed cells.
func (s *Set) MaybeUpdatePrimaryLeg() (*relaycell.Cell, error) {
	if !s.shouldUpdatePrimaryLeg() {
		return nil, nil
	}

	newID, found, err := s.selectPrimaryLeg()
	if err != nil {
		return nil, err
	}
	if !found || newID == s.primaryID {
		return nil, nil
	}

	prevLeg, err := s.PrimaryLeg()
	if err != nil {
		return nil, err
	}
	prevLastSeqSent := prevLeg.handler.LastSeqSent()
	s.primaryID = newID
	newLeg, err := s.PrimaryLeg()
	if err != nil {
		return nil, err
	}

	delta := prevLastSeqSent - newLeg.handler.LastSeqSent()
	if delta > math.MaxUint32 {
		return nil, internalBug("seqno delta for switch does not fit in 32 bits")
	}

	// The send seqno carries over: the next cell on the new leg gets
	// seqno prevLastSeqSent+1.
	newLeg.handler.SetLastSeqSent(prevLastSeqSent)

	s.log.WithFields(logrus.Fields{
		"leg":   newID,
		"delta": delta,
	}).Debug("Switching conflux sending leg")

	return relaycell.NewCell(0, &relaycell.ConfluxSwitch{Seqno: uint32(delta)}), nil
}

// shouldUpdatePrimaryLeg reports whether a primary reevaluation makes
// sense right now. Before the initial RTT-based selection it instead
// tries to perform that selection.
func (s *Set) shouldUpdatePrimaryLeg() bool {
	if !s.selectedInitPrimary {
		s.maybeSelectInitPrimary()
		return false
	}
	// With a single leg there is nothing to switch to.
	return len(s.legs) >= 2
}

// maybeSelectInitPrimary picks the initial primary from handshake RTT
// measurements, once at least one leg has finished linking.
func (s *Set) maybeSelectInitPrimary() {
	var (
		bestID  LegID
		bestRTT time.Duration
		found   bool
	)
	for _, leg := range s.legs {
		rtt, ok := leg.handler.InitRTT()
		if !ok {
			continue
		}
		if !found || rtt < bestRTT {
			bestID, bestRTT, found = leg.id, rtt, true
		}
	}
	if found {
		s.primaryID = bestID
		s.selectedInitPrimary = true
	}
}

// selectPrimaryLeg returns the best leg for the configured UX.
func (s *Set) selectPrimaryLeg() (LegID, bool, error) {
	switch s.desiredUX {
	case relaycell.UXNoOpinion, relaycell.UXMinLatency:
		return s.selectPrimaryLegMinRTT(false)
	case relaycell.UXHighThroughput:
		return s.selectPrimaryLegMinRTT(true)
	case relaycell.UXLowMemLatency, relaycell.UXLowMemThroughput:
		// Low-memory scheduling is not implemented; min RTT is the
		// closest behavior.
		return s.selectPrimaryLegMinRTT(false)
	default:
		s.log.WithField("desired_ux", s.desiredUX).
			Warn("Ignoring unrecognized conflux desired UX, using min latency")
		return s.selectPrimaryLegMinRTT(false)
	}
}

// selectPrimaryLegMinRTT returns the linked leg with the lowest RTT
// estimate, falling back to the handshake RTT for legs without one.
// Ties keep the earliest leg. When checkCanSend is set, legs blocked
// on congestion control are skipped.
func (s *Set) selectPrimaryLegMinRTT(checkCanSend bool) (LegID, bool, error) {
	var (
		bestID  LegID
		bestRTT uint32
		found   bool
	)
	for _, leg := range s.legs {
		// Legs still linking have no RTT measurement and cannot carry
		// multiplexed traffic yet.
		if leg.handler.Status() != StatusLinked {
			continue
		}
		if checkCanSend && !leg.ccontrol.CanSend() {
			continue
		}

		ewma := leg.ccontrol.RTT().EwmaRTTUsec()
		if ewma == 0 {
			initRTT, ok := leg.handler.InitRTT()
			if !ok {
				return LegID{}, false, internalBug("attempted to select primary leg before handshake completed")
			}
			ewma = durationUsec(initRTT)
		}

		if !found || ewma < bestRTT {
			bestID, bestRTT, found = leg.id, ewma, true
		}
	}
	return bestID, found, nil
}

func durationUsec(d time.Duration) uint32 {
	us := d.Microseconds()
	if us > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(us)
}
