package congestion

// State is the congestion control phase of a circuit hop.
type State int

const (
	// SlowStart is the initial phase, growing the window quickly to
	// converge toward capacity.
	SlowStart State = iota
	// Steady is the phase entered after slow start and never left.
	Steady
)

// InSlowStart reports whether the state is SlowStart.
func (s State) InSlowStart() bool {
	return s == SlowStart
}

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case SlowStart:
		return "slow-start"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

// Window is a congestion window. The parameter values come from the
// consensus; the window itself is mutated only by the owning algorithm.
type Window struct {
	params WindowParams
	value  uint32
	isFull bool
}

// NewWindow creates a window initialized to CwndInit.
func NewWindow(params WindowParams) *Window {
	return &Window{params: params, value: params.CwndInit}
}

// Get returns the current window value in cells.
func (w *Window) Get() uint32 {
	return w.value
}

// Set overwrites the window value.
func (w *Window) Set(value uint32) {
	w.value = value
}

// Min returns the minimum allowed window value.
func (w *Window) Min() uint32 {
	return w.params.CwndMin
}

// Increment returns the steady-state increment value in cells.
func (w *Window) Increment() uint32 {
	return w.params.CwndInc
}

// IncrementRate returns the number of window updates per window.
func (w *Window) IncrementRate() uint32 {
	return w.params.CwndIncRate
}

// SendmeInc returns the number of cells acked by one SENDME.
func (w *Window) SendmeInc() uint32 {
	return w.params.SendmeInc
}

// Inc grows the window by the increment, capped at CwndMax.
func (w *Window) Inc() {
	v := w.value + w.Increment()
	if v < w.value || v > w.params.CwndMax {
		v = w.params.CwndMax
	}
	w.value = v
}

// Dec shrinks the window by the increment, floored at CwndMin.
func (w *Window) Dec() {
	inc := w.Increment()
	var v uint32
	if w.value > inc {
		v = w.value - inc
	}
	if v < w.params.CwndMin {
		v = w.params.CwndMin
	}
	w.value = v
}

// UpdateRate returns the number of SENDMEs between window updates.
// During slow start the window is updated on every SENDME.
//
// Spec: CWND_UPDATE_RATE in prop324.
func (w *Window) UpdateRate(state State) uint32 {
	if state.InSlowStart() {
		return 1
	}
	return (w.Get() + w.IncrementRate()*w.SendmeInc()/2) /
		(w.IncrementRate() * w.SendmeInc())
}

// SendmePerCwnd returns the number of SENDMEs expected per full window.
//
// Spec: SENDME_PER_CWND in prop324.
func (w *Window) SendmePerCwnd() uint32 {
	return (w.Get() + w.SendmeInc()/2) / w.SendmeInc()
}

// RFC3742SSInc applies one limited-slow-start increment to the window
// and returns the amount added.
//
// Spec: rfc3742_ss_inc in prop324.
func (w *Window) RFC3742SSInc(ssCap uint32) uint32 {
	var inc uint32
	if w.Get() <= ssCap {
		inc = (w.params.CwndIncPctSS*w.SendmeInc() + 50) / 100
	} else {
		inc = (w.SendmeInc()*ssCap + w.Get()) / (w.Get() * 2)
		if inc < 1 {
			inc = 1
		}
	}
	w.value += inc
	return inc
}

// EvalFullness updates the full flag from the current inflight count.
// The window becomes full when inflight comes within fullGap SENDME
// increments of the window, and not-full when inflight falls below
// fullMinPct percent of it.
//
// Spec: cwnd_is_full and cwnd_is_nonfull in prop324.
func (w *Window) EvalFullness(inflight, fullGap, fullMinPct uint32) {
	if inflight+w.SendmeInc()*fullGap >= w.Get() {
		w.isFull = true
	} else if 100*inflight < fullMinPct*w.Get() {
		w.isFull = false
	}
}

// IsFull reports whether the window is currently marked full.
func (w *Window) IsFull() bool {
	return w.isFull
}

// ResetFull clears the full flag.
func (w *Window) ResetFull() {
	w.isFull = false
}
