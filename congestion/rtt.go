package congestion

import (
	"errors"
	"time"
)

// ErrMismatchedSendme is returned when a SENDME arrives without a
// matching ExpectSendme call. The peer is acking data we never sent,
// which is a protocol violation and must close the circuit.
var ErrMismatchedSendme = errors.New("congestion: sendme received without a matching expectation")

// deltaDiscrepancyRatioMax is the ratio between a new raw RTT and the
// EWMA beyond which the clock is considered to have jumped or stalled.
//
// Spec: prop324 section 2.1.1 CLOCK_HEURISTICS.
const deltaDiscrepancyRatioMax = 5000

// RTTEstimator estimates the round-trip time of a circuit from the
// delay between sending the cell that triggers a SENDME and receiving
// that SENDME.
//
// It is owned by a single reactor goroutine and is not safe for
// concurrent use.
type RTTEstimator struct {
	params RTTParams

	// Send timestamps of cells for which a SENDME is expected, oldest
	// first. The protocol allows several SENDMEs to be outstanding at
	// once within one congestion window, hence a queue.
	sendmeExpectedFrom []time.Time

	lastRTT time.Duration
	ewmaRTT time.Duration
	minRTT  time.Duration
	maxRTT  time.Duration

	// hasEstimate is set once lastRTT and ewmaRTT hold real values.
	hasEstimate bool
	// hasMin is set once minRTT holds a real value.
	hasMin bool

	clockStalled bool
}

// NewRTTEstimator creates an estimator with no measurements yet.
func NewRTTEstimator(params RTTParams) *RTTEstimator {
	return &RTTEstimator{params: params}
}

// IsReady reports whether the estimator has a usable estimate.
func (e *RTTEstimator) IsReady() bool {
	return !e.clockStalled && e.hasEstimate
}

// ClockStalled reports whether the clock stall heuristic has tripped.
func (e *RTTEstimator) ClockStalled() bool {
	return e.clockStalled
}

// EwmaRTTUsec returns the smoothed RTT estimate in microseconds, or
// zero if no estimate exists yet.
func (e *RTTEstimator) EwmaRTTUsec() uint32 {
	return usec(e.ewmaRTT)
}

// MinRTTUsec returns the minimum observed RTT in microseconds, or zero
// if no estimate exists yet.
func (e *RTTEstimator) MinRTTUsec() uint32 {
	return usec(e.minRTT)
}

// MaxRTTUsec returns the maximum observed RTT in microseconds, or zero
// if no estimate exists yet.
func (e *RTTEstimator) MaxRTTUsec() uint32 {
	return usec(e.maxRTT)
}

// LastRTT returns the last raw measurement, zero if none yet.
func (e *RTTEstimator) LastRTT() time.Duration {
	return e.lastRTT
}

func usec(d time.Duration) uint32 {
	us := d.Microseconds()
	if us > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(us)
}

// ExpectSendme records that a cell was sent at time now for which a
// SENDME is expected.
func (e *RTTEstimator) ExpectSendme(now time.Time) {
	e.sendmeExpectedFrom = append(e.sendmeExpectedFrom, now)
}

// canCrosscheck reports whether the stall heuristics may compare a new
// measurement against the EWMA. In slow start no sanity checks are
// performed, and without an existing estimate there is nothing to
// compare against.
func (e *RTTEstimator) canCrosscheck(inSlowStart bool) bool {
	return !inSlowStart && e.hasEstimate
}

// isClockStalled decides whether rawRTT should be discarded as the
// product of a stalled or jumped clock, updating the sticky stall flag
// where the heuristic allows.
func (e *RTTEstimator) isClockStalled(rawRTT time.Duration, inSlowStart bool) bool {
	switch {
	case rawRTT == 0:
		e.clockStalled = true
		return true
	case e.canCrosscheck(inSlowStart):
		if rawRTT > e.ewmaRTT*deltaDiscrepancyRatioMax {
			// Clock jumped forward. This is triggerable by the peer
			// delaying SENDMEs, so don't cache it.
			return true
		}
		if e.ewmaRTT > rawRTT*deltaDiscrepancyRatioMax {
			// One measurement is not enough to decide; keep the
			// previous verdict.
			return e.clockStalled
		}
		e.clockStalled = false
		return false
	default:
		return false
	}
}

// Update consumes the oldest expected-SENDME timestamp and folds the
// resulting raw RTT into the estimate.
//
// Returns ErrMismatchedSendme if no SENDME was expected.
//
// Spec: prop324 section 2.1.
func (e *RTTEstimator) Update(now time.Time, state State, cwnd *Window) error {
	if len(e.sendmeExpectedFrom) == 0 {
		return ErrMismatchedSendme
	}
	sentAt := e.sendmeExpectedFrom[0]
	e.sendmeExpectedFrom = e.sendmeExpectedFrom[1:]

	rawRTT := now.Sub(sentAt)
	if rawRTT < 0 {
		rawRTT = 0
	}

	if e.isClockStalled(rawRTT, state.InSlowStart()) {
		return nil
	}

	if rawRTT > e.maxRTT {
		e.maxRTT = rawRTT
	}
	e.lastRTT = rawRTT

	// The N for N-EWMA smoothing.
	var ewmaN uint64
	if state.InSlowStart() {
		ewmaN = uint64(e.params.EwmaSSMax)
	} else {
		n := cwnd.UpdateRate(state) * e.params.EwmaCwndPct / 100
		if n > e.params.EwmaMax {
			n = e.params.EwmaMax
		}
		ewmaN = uint64(n)
	}
	if ewmaN < 2 {
		ewmaN = 2
	}

	// N-EWMA over integer microseconds, matching the C implementation's
	// rounding: EWMA = (value*2 + EWMA_prev*(N-1)) / (N+1).
	//
	// Spec: prop324 section 2.1.2 (N_EWMA_SMOOTHING).
	rawUsec := uint64(rawRTT.Microseconds())
	var newEwmaUsec uint64
	if !e.hasEstimate {
		newEwmaUsec = rawUsec
	} else {
		prev := uint64(e.ewmaRTT.Microseconds())
		newEwmaUsec = (rawUsec*2 + (ewmaN-1)*prev) / (ewmaN + 1)
	}
	e.ewmaRTT = time.Duration(newEwmaUsec) * time.Microsecond
	e.hasEstimate = true

	if !e.hasMin {
		e.minRTT = e.ewmaRTT
		e.hasMin = true
		return nil
	}

	if cwnd.Get() == cwnd.Min() && !state.InSlowStart() {
		// Window pinned to the minimum: the min RTT is probably stale,
		// so blend it toward the current estimate.
		hi, lo := e.ewmaRTT, e.minRTT
		if lo > hi {
			hi, lo = lo, hi
		}
		resetPct := uint64(e.params.RTTResetPct)
		blended := resetPct*uint64(hi.Microseconds())/100 +
			(100-resetPct)*uint64(lo.Microseconds())/100
		e.minRTT = time.Duration(blended) * time.Microsecond
	} else if e.ewmaRTT < e.minRTT {
		e.minRTT = e.ewmaRTT
	}

	return nil
}
