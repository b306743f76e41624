package congestion

import "math"

// Parameters matching the C-tor congestion control unit tests, so the
// reference vectors below apply unchanged.

func testWindowParams() WindowParams {
	return WindowParams{
		CwndInit:     124,
		CwndIncPctSS: 100,
		CwndInc:      31,
		CwndIncRate:  1,
		CwndMin:      124,
		CwndMax:      math.MaxInt32,
		SendmeInc:    31,
	}
}

func testRTTParams() RTTParams {
	return RTTParams{
		EwmaCwndPct: 50,
		EwmaMax:     2,
		EwmaSSMax:   2,
		RTTResetPct: 100,
	}
}

func testVegasParams() VegasParams {
	const outbufCells = 62
	return VegasParams{
		Alpha:           3 * outbufCells,
		Beta:            4 * outbufCells,
		Delta:           5 * outbufCells,
		Gamma:           3 * outbufCells,
		SSCwndCap:       600,
		SSCwndMax:       5000,
		CwndFullGap:     4,
		CwndFullMinPct:  25,
		CwndFullPerCwnd: 1,
	}
}

func testParams() Params {
	return Params{
		Window: testWindowParams(),
		RTT:    testRTTParams(),
		Vegas:  testVegasParams(),
	}
}
