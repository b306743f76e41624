package congestion

import "math"

// WindowParams are the congestion window parameters, normally taken
// from the network consensus.
type WindowParams struct {
	// CwndInit is the initial size of the congestion window.
	CwndInit uint32
	// CwndIncPctSS is the percent of the SENDME increment to add to the
	// window per SENDME during slow start.
	CwndIncPctSS uint32
	// CwndInc is the number of cells to increment the window by in
	// steady state.
	CwndInc uint32
	// CwndIncRate is the number of window updates per congestion window.
	CwndIncRate uint32
	// CwndMin is the minimum congestion window. Must be at least
	// SendmeInc.
	CwndMin uint32
	// CwndMax is the maximum congestion window.
	CwndMax uint32
	// SendmeInc is the number of cells acknowledged by each SENDME.
	SendmeInc uint32
}

// RTTParams are the round-trip-time estimator parameters.
type RTTParams struct {
	// EwmaCwndPct is the N of N-EWMA smoothing expressed as a percent
	// of the number of SENDME acks per congestion window.
	EwmaCwndPct uint32
	// EwmaMax caps the N of N-EWMA smoothing.
	EwmaMax uint32
	// EwmaSSMax caps the N of N-EWMA smoothing during slow start.
	EwmaSSMax uint32
	// RTTResetPct is the percentile blend toward the current estimate
	// used to reset the minimum RTT when the window sits at its minimum.
	RTTResetPct uint32
}

// VegasParams are the Tor Vegas algorithm parameters.
type VegasParams struct {
	// Alpha is the queue use below which the window grows.
	Alpha uint32
	// Beta is the queue use above which the window shrinks.
	Beta uint32
	// Delta is the queue use at which the window is dropped to the BDP
	// plus Delta.
	Delta uint32
	// Gamma is the slow-start queue use threshold.
	Gamma uint32
	// SSCwndCap is the RFC3742 cap after which slow-start increments
	// are reduced.
	SSCwndCap uint32
	// SSCwndMax is a hard maximum on the window during slow start.
	SSCwndMax uint32
	// CwndFullGap is the number of SendmeInc multiples of gap allowed
	// between inflight and cwnd while still declaring the window full.
	CwndFullGap uint32
	// CwndFullMinPct is the low watermark, in percent, below which the
	// window is declared not full.
	CwndFullMinPct uint32
	// CwndFullPerCwnd governs how often the window fullness resets.
	CwndFullPerCwnd uint32
}

// Params bundles the per-circuit congestion control parameters.
type Params struct {
	Window WindowParams
	RTT    RTTParams
	Vegas  VegasParams
}

// Consensus defaults, per prop324 section 6.5.1.
const (
	defaultSendmeInc   = 31
	defaultOutbufCells = 62
)

// DefaultParams returns the consensus default parameters.
func DefaultParams() Params {
	return Params{
		Window: WindowParams{
			CwndInit:     4 * defaultSendmeInc,
			CwndIncPctSS: 100,
			CwndInc:      defaultSendmeInc,
			CwndIncRate:  1,
			CwndMin:      4 * defaultSendmeInc,
			CwndMax:      math.MaxInt32,
			SendmeInc:    defaultSendmeInc,
		},
		RTT: RTTParams{
			EwmaCwndPct: 50,
			EwmaMax:     10,
			EwmaSSMax:   2,
			RTTResetPct: 100,
		},
		Vegas: VegasParams{
			Alpha:           3 * defaultOutbufCells,
			Beta:            4 * defaultOutbufCells,
			Delta:           5 * defaultOutbufCells,
			Gamma:           3 * defaultOutbufCells,
			SSCwndCap:       600,
			SSCwndMax:       5000,
			CwndFullGap:     4,
			CwndFullMinPct:  25,
			CwndFullPerCwnd: 1,
		},
	}
}
