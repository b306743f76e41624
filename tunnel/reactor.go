package tunnel

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torcore/clock"
	"github.com/opd-ai/torcore/conflux"
	"github.com/opd-ai/torcore/congestion"
	"github.com/opd-ai/torcore/relaycell"
)

var (
	// ErrReactorClosed is returned by calls made after the reactor shut
	// down.
	ErrReactorClosed = errors.New("tunnel: reactor closed")
	// ErrNotLinked is returned by Send when the sending leg has not
	// completed the conflux handshake.
	ErrNotLinked = errors.New("tunnel: no linked leg to send on")
	// ErrCongestionBlocked is returned by Send when the congestion
	// window of the sending leg is exhausted.
	ErrCongestionBlocked = errors.New("tunnel: sending leg blocked on congestion control")

	errHandshakeTimeout = errors.New("tunnel: conflux handshake timed out")
)

// handshakePollInterval is how often pending handshakes are checked
// against their deadline.
const handshakePollInterval = time.Second

// DeliverFunc receives each in-order message from the tunnel. It is
// called from the reactor goroutine and must not call back into the
// reactor.
type DeliverFunc func(streamID relaycell.StreamID, msg relaycell.Msg)

// legEvent is what a leg pump feeds the reactor loop.
type legEvent struct {
	id     conflux.LegID
	cell   relaycell.UnparsedCell
	closed bool
}

type legState struct {
	leg *conflux.Leg
	tr  LegTransport
}

// Reactor is the event loop of one tunnel. It owns the conflux set and
// all per-leg protocol state; nothing else touches them.
type Reactor struct {
	Worker

	set     *conflux.Set
	legs    map[conflux.LegID]*legState
	ooo     conflux.OooQueue
	deliver DeliverFunc

	events chan legEvent
	cmdCh  chan func() // closures executed on the reactor goroutine

	handshakes chan conflux.LegID

	clk clock.TimeProvider
	rng io.Reader
	log *logrus.Entry

	mu      sync.Mutex
	started bool
	err     error
}

// NewReactor creates a reactor over the given set. rng supplies cell
// padding; deliver receives in-order traffic.
func NewReactor(set *conflux.Set, clk clock.TimeProvider, rng io.Reader,
	deliver DeliverFunc, log *logrus.Entry) *Reactor {
	return &Reactor{
		set:        set,
		legs:       make(map[conflux.LegID]*legState),
		deliver:    deliver,
		events:     make(chan legEvent, 64),
		cmdCh:      make(chan func()),
		handshakes: make(chan conflux.LegID, 8),
		clk:        clk,
		rng:        rng,
		log:        log,
	}
}

// Start launches the reactor loop and the pumps for legs added so far.
func (r *Reactor) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for id, st := range r.legs {
		r.startPump(id, st.tr)
	}
	r.Go(r.loop)
}

// Err returns the error the reactor shut down with, if any.
func (r *Reactor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// HandshakeEvents signals the ID of each leg that completes the
// conflux handshake.
func (r *Reactor) HandshakeEvents() <-chan conflux.LegID {
	return r.handshakes
}

// AddLeg attaches a leg and its transport to the tunnel and starts the
// link handshake on it. Before Start this must be called from a single
// goroutine; afterwards it is safe from any.
func (r *Reactor) AddLeg(leg *conflux.Leg, tr LegTransport) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return r.addLeg(leg, tr)
	}
	return r.do(func() error { return r.addLeg(leg, tr) })
}

// Send transmits msg on the tunnel's current best leg, emitting a
// SWITCH first if the best leg changed. Returns ErrCongestionBlocked
// without sending when the congestion window is exhausted.
func (r *Reactor) Send(streamID relaycell.StreamID, msg relaycell.Msg) error {
	return r.do(func() error { return r.send(streamID, msg) })
}

// do runs fn on the reactor goroutine and returns its result.
func (r *Reactor) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case r.cmdCh <- func() { errCh <- fn() }:
	case <-r.HaltCh():
		return ErrReactorClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-r.HaltCh():
		return ErrReactorClosed
	}
}

func (r *Reactor) loop() {
	ticker := r.clk.NewTicker(handshakePollInterval)
	defer ticker.Stop()
	defer r.closeAllLegs()

	for {
		select {
		case <-r.HaltCh():
			return
		case fn := <-r.cmdCh:
			fn()
		case ev := <-r.events:
			if err := r.handleEvent(ev); err != nil {
				r.fail(err)
				return
			}
		case <-ticker.C:
			if err := r.checkHandshakeTimeouts(); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// fail records the terminal error and releases everyone blocked on the
// reactor, without waiting for the goroutines to unwind.
func (r *Reactor) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.log.WithError(err).Debug("Tunnel reactor shutting down")
	r.signalHalt()
}

func (r *Reactor) closeAllLegs() {
	for _, st := range r.legs {
		_ = st.tr.Close()
	}
}

func (r *Reactor) startPump(id conflux.LegID, tr LegTransport) {
	r.Go(func() {
		for {
			select {
			case cell, ok := <-tr.Recv():
				if !ok {
					select {
					case r.events <- legEvent{id: id, closed: true}:
					case <-r.HaltCh():
					}
					return
				}
				select {
				case r.events <- legEvent{id: id, cell: cell}:
				case <-r.HaltCh():
					return
				}
			case <-r.HaltCh():
				return
			}
		}
	})
}

func (r *Reactor) addLeg(leg *conflux.Leg, tr LegTransport) error {
	if err := r.set.AddLeg(leg); err != nil {
		return err
	}
	st := &legState{leg: leg, tr: tr}
	r.legs[leg.ID()] = st

	link := relaycell.NewCell(0, &relaycell.ConfluxLink{Payload: r.set.LinkPayload()})
	if err := r.sendCell(st, link); err != nil {
		return err
	}
	if err := leg.Handler().NoteLinkSent(r.clk.Now()); err != nil {
		return err
	}

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		r.startPump(leg.ID(), tr)
	}

	r.log.WithField("leg", leg.ID()).Debug("Leg added to tunnel, LINK sent")
	return nil
}

func (r *Reactor) sendCell(st *legState, cell *relaycell.Cell) error {
	body, err := cell.Encode(r.rng)
	if err != nil {
		return err
	}
	return st.tr.Send(body)
}

func (r *Reactor) send(streamID relaycell.StreamID, msg relaycell.Msg) error {
	// Reevaluate the sending leg first; if it changes, the SWITCH must
	// precede the data on the new leg.
	swCell, err := r.set.MaybeUpdatePrimaryLeg()
	if err != nil {
		return err
	}
	primary, err := r.set.PrimaryLeg()
	if err != nil {
		return err
	}
	st, ok := r.legs[primary.ID()]
	if !ok {
		return conflux.ErrNoSuchLeg
	}
	if primary.Handler().Status() != conflux.StatusLinked {
		return ErrNotLinked
	}

	if swCell != nil {
		if err := r.sendCell(st, swCell); err != nil {
			return err
		}
	}

	if !primary.Control().CanSend() {
		return ErrCongestionBlocked
	}

	cell := relaycell.NewCell(streamID, msg)
	if err := r.sendCell(st, cell); err != nil {
		return err
	}
	if cell.Command() == relaycell.CmdData {
		if err := primary.Control().NoteDataSent(nil); err != nil {
			return err
		}
	}
	primary.Handler().NoteCellSent(cell.Command())
	return nil
}

func (r *Reactor) handleEvent(ev legEvent) error {
	st, ok := r.legs[ev.id]
	if !ok {
		// Events from a leg torn down earlier in the same batch.
		return nil
	}
	if ev.closed {
		return r.removeLeg(ev.id, ErrTransportClosed)
	}
	return r.handleCell(st, ev.cell)
}

// removeLeg tears down one leg. It returns an error only when the set
// decides the whole tunnel must close. Removing an unknown leg is a
// no-op, so teardown is idempotent.
func (r *Reactor) removeLeg(id conflux.LegID, cause error) error {
	st, ok := r.legs[id]
	if !ok {
		return nil
	}
	delete(r.legs, id)
	_ = st.tr.Close()

	r.log.WithFields(logrus.Fields{
		"leg":   id,
		"cause": cause,
	}).Debug("Removing tunnel leg")

	if _, err := r.set.Remove(id); err != nil {
		if errors.Is(err, conflux.ErrNoSuchLeg) {
			return nil
		}
		return err
	}
	return nil
}

func (r *Reactor) handleCell(st *legState, cell relaycell.UnparsedCell) error {
	id := st.leg.ID()

	switch {
	case cell.Command().IsConflux():
		decoded, err := cell.Decode()
		if err != nil {
			return r.removeLeg(id, err)
		}
		done, err := st.leg.Handler().HandleMsg(decoded, r.set.JoinPoint())
		if err != nil {
			r.log.WithError(err).WithField("leg", id).Warn("Conflux protocol violation")
			return r.removeLeg(id, err)
		}
		if done != nil {
			if err := r.sendCell(st, done.Cell); err != nil {
				return r.removeLeg(id, err)
			}
			select {
			case r.handshakes <- id:
			default:
			}
		}
		return nil

	case cell.Command() == relaycell.CmdSendme && cell.StreamID().IsZero():
		decoded, err := cell.Decode()
		if err != nil {
			return r.removeLeg(id, err)
		}
		sendme := decoded.Msg().(*relaycell.Sendme)
		if err := st.leg.Control().NoteSendmeReceived(sendme.Tag, congestion.Signals{}); err != nil {
			r.log.WithError(err).WithField("leg", id).Warn("Rejected circuit-level SENDME")
			return r.removeLeg(id, err)
		}
		return nil

	default:
		return r.handleDataCell(st, cell)
	}
}

func (r *Reactor) handleDataCell(st *legState, cell relaycell.UnparsedCell) error {
	id := st.leg.ID()

	if cell.Command() == relaycell.CmdData {
		due, err := st.leg.Control().NoteDataReceived()
		if err != nil {
			return r.removeLeg(id, err)
		}
		if due {
			if err := r.sendCell(st, relaycell.NewCell(0, &relaycell.Sendme{})); err != nil {
				return r.removeLeg(id, err)
			}
			if err := st.leg.Control().NoteSendmeSent(); err != nil {
				return r.removeLeg(id, err)
			}
		}
	}

	action, err := st.leg.Handler().ActionForMsg(cell.StreamID(), cell)
	if err != nil {
		// Broken sequence accounting; the tunnel state is unusable.
		return err
	}
	if !action.Deliver {
		r.ooo.Push(action.Enqueue)
		return nil
	}
	return r.deliverCell(st, cell)
}

func (r *Reactor) deliverCell(st *legState, cell relaycell.UnparsedCell) error {
	decoded, err := cell.Decode()
	if err != nil {
		return r.removeLeg(st.leg.ID(), err)
	}
	r.deliver(decoded.StreamID(), decoded.Msg())
	st.leg.Handler().NoteDelivered(decoded.Command())
	return r.drainOoo()
}

// drainOoo delivers any buffered messages whose turn has come.
func (r *Reactor) drainOoo() error {
	for {
		next := r.ooo.Peek()
		if next == nil || next.Seqno != r.set.Delivered().Load()+1 {
			return nil
		}
		entry := r.ooo.Pop()
		decoded, err := entry.Cell.Decode()
		if err != nil {
			return err
		}
		r.deliver(decoded.StreamID(), decoded.Msg())
		r.set.Delivered().Inc()
	}
}

func (r *Reactor) checkHandshakeTimeouts() error {
	now := r.clk.Now()
	var expired []conflux.LegID
	for id, st := range r.legs {
		if deadline, ok := st.leg.Handler().HandshakeTimeout(); ok && now.After(deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.log.WithField("leg", id).Warn("Conflux handshake timed out")
		if err := r.removeLeg(id, errHandshakeTimeout); err != nil {
			return err
		}
	}
	return nil
}
