package congestion

import (
	"github.com/sirupsen/logrus"
)

// Signals are congestion signals fed into the algorithm on every
// SENDME, reflecting the state of the channel under the circuit.
type Signals struct {
	// ChannelBlocked indicates the channel cannot currently take more
	// outbound cells.
	ChannelBlocked bool
	// ChannelOutboundSize is the size of the channel outbound queue in
	// cells.
	ChannelOutboundSize uint32
}

// bdpEstimator estimates the bandwidth-delay product of a circuit.
//
// Spec: prop324 section 3.1 (BDP_ESTIMATION).
type bdpEstimator struct {
	bdp uint32
}

func (b *bdpEstimator) get() uint32 {
	return b.bdp
}

// update recomputes the BDP from the congestion window and the RTT
// estimate. With a stalled clock the RTT is unusable, so the window
// itself (less any blocked outbound queue) stands in for the BDP.
func (b *bdpEstimator) update(cwnd *Window, rtt *RTTEstimator, signals Signals) {
	if rtt.ClockStalled() {
		if signals.ChannelBlocked {
			v := cwnd.Get()
			if signals.ChannelOutboundSize < v {
				v -= signals.ChannelOutboundSize
			} else {
				v = 0
			}
			if v < cwnd.Min() {
				v = cwnd.Min()
			}
			b.bdp = v
		} else {
			b.bdp = cwnd.Get()
		}
		return
	}
	// cwnd * min_rtt / ewma_rtt. Responds to RTT changes relative to
	// window growth; underestimates when the true BDP exceeds the
	// current window.
	ewma := uint64(rtt.EwmaRTTUsec())
	if ewma == 0 {
		b.bdp = cwnd.Get()
		return
	}
	b.bdp = uint32(uint64(cwnd.Get()) * uint64(rtt.MinRTTUsec()) / ewma)
}

// Vegas is the Tor Vegas congestion control algorithm. It estimates
// the queue length accumulated at relays by subtracting the BDP
// estimate from the congestion window, and steers the window to keep
// that queue use between the alpha and beta thresholds.
//
// Spec: prop324 section 3.3 (TOR_VEGAS).
type Vegas struct {
	params VegasParams
	bdp    bdpEstimator
	cwnd   *Window

	// Cells expected before the next SENDME is due to be sent.
	numCellUntilSendme uint32
	// SENDMEs until the next congestion window update.
	numSendmeUntilCwndUpdate uint32
	// Counts down a window's worth of SENDMEs, tracking full-window
	// status.
	numSendmePerCwnd uint32
	// Cells sent but not yet acked by a SENDME.
	numInflight uint32
	// Whether the channel was blocked during the last algorithm run,
	// used to detect blocked/unblocked transitions.
	blockedOnChan bool
}

// NewVegas creates a Vegas instance around the given window.
func NewVegas(params VegasParams, state State, cwnd *Window) *Vegas {
	return &Vegas{
		params:                   params,
		cwnd:                     cwnd,
		numCellUntilSendme:       cwnd.SendmeInc(),
		numSendmeUntilCwndUpdate: cwnd.UpdateRate(state),
	}
}

// NextCellIsSendme reports whether the cell just sent is one for which
// the peer will emit a SENDME. Called after DataSent has incremented
// the inflight count.
func (v *Vegas) NextCellIsSendme() bool {
	return v.numInflight%v.cwnd.SendmeInc() == 0
}

// CanSend reports whether a DATA cell may be sent right now.
func (v *Vegas) CanSend() bool {
	return v.numInflight < v.cwnd.Get()
}

// Window returns the congestion window driven by this algorithm.
func (v *Vegas) Window() *Window {
	return v.cwnd
}

// Inflight returns the number of sent-but-unacked cells.
func (v *Vegas) Inflight() uint32 {
	return v.numInflight
}

// DataSent records that a DATA cell went on the wire. Inflight can
// exceed the window because the window may shrink mid-flight.
func (v *Vegas) DataSent() error {
	v.numInflight++
	return nil
}

// DataReceived records an incoming DATA cell and reports whether a
// SENDME should be sent now.
func (v *Vegas) DataReceived() (bool, error) {
	if v.numCellUntilSendme == 0 {
		// Code flow error, not a protocol violation: sending a second
		// SENDME back to back would be worse than dropping this count,
		// so recover loudly instead of failing the circuit.
		logrus.WithField("component", "congestion").
			Warn("Data cell received with no SENDME window remaining")
		return false, nil
	}
	v.numCellUntilSendme--
	return v.numCellUntilSendme == 0, nil
}

// SendmeSent resets the cell countdown after a SENDME went on the wire.
func (v *Vegas) SendmeSent() error {
	v.numCellUntilSendme = v.cwnd.SendmeInc()
	return nil
}

// SendmeReceived runs one step of the Vegas algorithm. The RTT
// estimator must already have been updated for this SENDME.
//
// Spec: prop324 section 3.3 (TOR_VEGAS).
func (v *Vegas) SendmeReceived(state *State, rtt *RTTEstimator, signals Signals) error {
	if v.numSendmeUntilCwndUpdate > 0 {
		v.numSendmeUntilCwndUpdate--
	}
	if v.numSendmePerCwnd > 0 {
		v.numSendmePerCwnd--
	}

	// Update the BDP even without a ready RTT estimator; the fallback
	// value bootstraps the estimate.
	v.bdp.update(v.cwnd, rtt, signals)

	// A blocked/unblocked transition is an immediate congestion signal,
	// so force a window reevaluation on this SENDME.
	if rtt.IsReady() && signals.ChannelBlocked != v.blockedOnChan {
		v.numSendmeUntilCwndUpdate = 0
	}
	v.blockedOnChan = signals.ChannelBlocked

	if !rtt.IsReady() && !v.blockedOnChan {
		v.numInflight = saturatingSub(v.numInflight, v.cwnd.SendmeInc())
		return nil
	}

	// Queue use is how far the window sits above the BDP.
	queueUse := saturatingSub(v.cwnd.Get(), v.bdp.get())

	v.cwnd.EvalFullness(v.numInflight, v.params.CwndFullGap, v.params.CwndFullMinPct)

	if state.InSlowStart() {
		if queueUse < v.params.Gamma && !v.blockedOnChan {
			// Skip the increment entirely when the window is not in
			// full use.
			if v.cwnd.IsFull() {
				inc := v.cwnd.RFC3742SSInc(v.params.SSCwndCap)
				// If the limited slow-start increment fell to or below
				// the steady-state rate, slow start has nothing left to
				// offer.
				if inc*v.cwnd.SendmePerCwnd() <= v.cwnd.Increment()*v.cwnd.IncrementRate() {
					*state = Steady
				}
			}
		} else {
			// Congestion signal: clamp to the gamma threshold and exit
			// slow start.
			v.cwnd.Set(v.bdp.get() + v.params.Gamma)
			*state = Steady
		}

		if v.cwnd.Get() >= v.params.SSCwndMax {
			v.cwnd.Set(v.params.SSCwndMax)
			*state = Steady
		}
	} else if v.numSendmeUntilCwndUpdate == 0 {
		// In steady state the window moves once per update period.
		switch {
		case queueUse > v.params.Delta:
			v.cwnd.Set(v.bdp.get() + v.params.Delta - v.cwnd.Increment())
		case queueUse > v.params.Beta || v.blockedOnChan:
			v.cwnd.Dec()
		case v.cwnd.IsFull() && queueUse < v.params.Alpha:
			v.cwnd.Inc()
		}
	}

	if v.numSendmeUntilCwndUpdate == 0 {
		v.numSendmeUntilCwndUpdate = v.cwnd.UpdateRate(*state)
	}
	if v.numSendmePerCwnd == 0 {
		v.numSendmePerCwnd = v.cwnd.SendmePerCwnd()
	}

	// The full flag ages out once per window (or per update period when
	// CwndFullPerCwnd is zero).
	if v.params.CwndFullPerCwnd != 0 {
		if v.numSendmePerCwnd == v.cwnd.SendmePerCwnd() {
			v.cwnd.ResetFull()
		}
	} else if v.numSendmeUntilCwndUpdate == v.cwnd.UpdateRate(*state) {
		v.cwnd.ResetFull()
	}

	v.numInflight = saturatingSub(v.numInflight, v.cwnd.SendmeInc())
	return nil
}

func saturatingSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}
