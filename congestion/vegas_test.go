package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// One row of the C-tor congestion control reference vectors, from
// src/test/test_congestion_control.c. Inputs first, expected outputs
// after.
type vegasVector struct {
	sentUsec      uint64
	gotSendmeUsec uint64
	chanBlocked   bool
	inflight      uint32

	wantEwmaUsec uint32
	wantMinUsec  uint32
	wantCwnd     uint32
	wantSS       bool
	wantFull     bool
	wantBlocked  bool
}

func vegasRow(arr [10]uint64) vegasVector {
	return vegasVector{
		sentUsec:      arr[0],
		gotSendmeUsec: arr[1],
		chanBlocked:   arr[2] == 1,
		inflight:      uint32(arr[3]),
		wantEwmaUsec:  uint32(arr[4]),
		wantMinUsec:   uint32(arr[5]),
		wantCwnd:      uint32(arr[6]),
		wantSS:        arr[7] == 1,
		wantFull:      arr[8] == 1,
		wantBlocked:   arr[9] == 1,
	}
}

func runVegasVectors(t *testing.T, rows [][10]uint64) {
	t.Helper()

	state := SlowStart
	rtt := NewRTTEstimator(testRTTParams())
	vegas := NewVegas(testVegasParams(), state, NewWindow(testWindowParams()))
	now := time.Now()

	for i, arr := range rows {
		row := vegasRow(arr)

		vegas.numInflight = row.inflight
		vegas.blockedOnChan = row.chanBlocked

		rtt.ExpectSendme(now.Add(time.Duration(row.sentUsec) * time.Microsecond))
		err := rtt.Update(now.Add(time.Duration(row.gotSendmeUsec)*time.Microsecond), state, vegas.Window())
		require.NoError(t, err, "row %d", i)

		signals := Signals{ChannelBlocked: row.chanBlocked}
		require.NoError(t, vegas.SendmeReceived(&state, rtt, signals), "row %d", i)

		assert.Equal(t, row.wantEwmaUsec, rtt.EwmaRTTUsec(), "row %d EWMA RTT", i)
		assert.Equal(t, row.wantMinUsec, rtt.MinRTTUsec(), "row %d min RTT", i)
		assert.Equal(t, row.wantCwnd, vegas.Window().Get(), "row %d cwnd", i)
		assert.Equal(t, row.wantFull, vegas.Window().IsFull(), "row %d full", i)
		assert.Equal(t, row.wantSS, state.InSlowStart(), "row %d slow start", i)
		assert.Equal(t, row.wantBlocked, vegas.blockedOnChan, "row %d blocked", i)
	}
}

func TestVegasVectors(t *testing.T) {
	t.Run("slow start and steady", func(t *testing.T) {
		runVegasVectors(t, [][10]uint64{
			{100000, 200000, 0, 124, 100000, 100000, 155, 1, 0, 0},
			{200000, 300000, 0, 155, 100000, 100000, 186, 1, 1, 0},
			{350000, 500000, 0, 186, 133333, 100000, 217, 1, 1, 0},
			{500000, 550000, 0, 217, 77777, 77777, 248, 1, 1, 0},
			{600000, 700000, 0, 248, 92592, 77777, 279, 1, 1, 0},
			{700000, 750000, 0, 279, 64197, 64197, 310, 1, 0, 0}, // fullness expiry
			{750000, 875000, 0, 310, 104732, 64197, 341, 1, 1, 0},
			{875000, 900000, 0, 341, 51577, 51577, 372, 1, 1, 0},
			{900000, 950000, 0, 279, 50525, 50525, 403, 1, 1, 0},
			{950000, 1000000, 0, 279, 50175, 50175, 434, 1, 1, 0},
			{1000000, 1050000, 0, 279, 50058, 50058, 465, 1, 1, 0},
			{1050000, 1100000, 0, 279, 50019, 50019, 496, 1, 1, 0},
			{1100000, 1150000, 0, 279, 50006, 50006, 527, 1, 1, 0},
			{1150000, 1200000, 0, 279, 50002, 50002, 558, 1, 1, 0},
			{1200000, 1250000, 0, 550, 50000, 50000, 589, 1, 1, 0},
			{1250000, 1300000, 0, 550, 50000, 50000, 620, 1, 0, 0}, // fullness expiry
			{1300000, 1350000, 0, 550, 50000, 50000, 635, 1, 1, 0},
			{1350000, 1400000, 0, 550, 50000, 50000, 650, 1, 1, 0},
			{1400000, 1450000, 0, 150, 50000, 50000, 650, 1, 0, 0}, // cwnd not full
			{1450000, 1500000, 0, 150, 50000, 50000, 650, 1, 0, 0}, // cwnd not full
			{1500000, 1550000, 0, 550, 50000, 50000, 664, 1, 1, 0}, // cwnd full
			{1500000, 1600000, 0, 550, 83333, 50000, 584, 0, 1, 0}, // gamma exit
			{1600000, 1650000, 0, 550, 61111, 50000, 585, 0, 1, 0}, // alpha
			{1650000, 1700000, 0, 550, 53703, 50000, 586, 0, 1, 0},
			{1700000, 1750000, 0, 100, 51234, 50000, 586, 0, 0, 0},  // alpha, not full
			{1750000, 1900000, 0, 100, 117078, 50000, 559, 0, 0, 0}, // delta, not full
			{1900000, 2000000, 0, 100, 105692, 50000, 558, 0, 0, 0}, // beta, not full
			{2000000, 2075000, 0, 500, 85230, 50000, 558, 0, 1, 0},  // no change
			{2075000, 2125000, 1, 500, 61743, 50000, 557, 0, 1, 1},  // beta, blocked
			{2125000, 2150000, 0, 500, 37247, 37247, 558, 0, 1, 0},  // alpha
			{2150000, 2350000, 0, 500, 145749, 37247, 451, 0, 1, 0}, // delta
		})
	})

	t.Run("blocked channel exits slow start", func(t *testing.T) {
		runVegasVectors(t, [][10]uint64{
			{100000, 200000, 0, 124, 100000, 100000, 155, 1, 0, 0},
			{200000, 300000, 0, 155, 100000, 100000, 186, 1, 1, 0},
			{350000, 500000, 0, 186, 133333, 100000, 217, 1, 1, 0},
			{500000, 550000, 1, 217, 77777, 77777, 403, 0, 1, 1}, // ss exit, blocked
			{600000, 700000, 0, 248, 92592, 77777, 404, 0, 1, 0}, // alpha
			{700000, 750000, 1, 404, 64197, 64197, 403, 0, 0, 1}, // blocked beta
			{750000, 875000, 0, 403, 104732, 64197, 404, 0, 1, 0},
		})
	})

	t.Run("window never fills", func(t *testing.T) {
		runVegasVectors(t, [][10]uint64{
			{18258527, 19002938, 0, 83, 744411, 744411, 155, 1, 0, 0},
			{18258580, 19254257, 0, 52, 911921, 744411, 186, 1, 1, 0},
			{20003224, 20645298, 0, 164, 732023, 732023, 217, 1, 1, 0},
			{20003367, 21021444, 0, 133, 922725, 732023, 248, 1, 1, 0},
			{20003845, 21265508, 0, 102, 1148683, 732023, 279, 1, 1, 0},
			{20003975, 21429157, 0, 71, 1333015, 732023, 310, 1, 0, 0},
			{20004309, 21707677, 0, 40, 1579917, 732023, 310, 1, 0, 0},
		})
	})

	t.Run("rising rtt exits slow start", func(t *testing.T) {
		runVegasVectors(t, [][10]uint64{
			{358297091, 358854163, 0, 83, 557072, 557072, 155, 1, 0, 0},
			{358297649, 359123845, 0, 52, 736488, 557072, 186, 1, 1, 0},
			{359492879, 359995330, 0, 186, 580463, 557072, 217, 1, 1, 0},
			{359493043, 360489243, 0, 217, 857621, 557072, 248, 1, 1, 0},
			{359493232, 360489673, 0, 248, 950167, 557072, 279, 1, 1, 0},
			{359493795, 360489971, 0, 279, 980839, 557072, 310, 1, 0, 0},
			{359493918, 360490248, 0, 310, 991166, 557072, 341, 1, 1, 0},
			{359494029, 360716465, 0, 341, 1145346, 557072, 372, 1, 1, 0},
			{359996888, 360948867, 0, 372, 1016434, 557072, 403, 1, 1, 0},
			{359996979, 360949330, 0, 403, 973712, 557072, 434, 1, 1, 0},
			{360489528, 361113615, 0, 434, 740628, 557072, 465, 1, 1, 0},
			{360489656, 361281604, 0, 465, 774841, 557072, 496, 1, 1, 0},
			{360489837, 361500461, 0, 496, 932029, 557072, 482, 0, 1, 0},
			{360489963, 361500631, 0, 482, 984455, 557072, 482, 0, 1, 0},
			{360490117, 361842481, 0, 482, 1229727, 557072, 481, 0, 1, 0},
		})
	})
}

func TestVegasSendmeAccounting(t *testing.T) {
	state := SlowStart
	vegas := NewVegas(testVegasParams(), state, NewWindow(testWindowParams()))

	// One SENDME increment's worth of data cells, then a SENDME is due.
	for i := uint32(0); i < vegas.Window().SendmeInc()-1; i++ {
		require.NoError(t, vegas.DataSent())
		assert.False(t, vegas.NextCellIsSendme())
	}
	require.NoError(t, vegas.DataSent())
	assert.True(t, vegas.NextCellIsSendme())
	assert.Equal(t, vegas.Window().SendmeInc(), vegas.Inflight())

	// Receiving side mirrors the count.
	for i := uint32(0); i < vegas.Window().SendmeInc()-1; i++ {
		due, err := vegas.DataReceived()
		require.NoError(t, err)
		assert.False(t, due)
	}
	due, err := vegas.DataReceived()
	require.NoError(t, err)
	assert.True(t, due)

	// An extra data cell before the SENDME goes out is tolerated.
	due, err = vegas.DataReceived()
	require.NoError(t, err)
	assert.False(t, due)

	require.NoError(t, vegas.SendmeSent())
	due, err = vegas.DataReceived()
	require.NoError(t, err)
	assert.False(t, due)
}

func TestVegasCanSend(t *testing.T) {
	state := SlowStart
	vegas := NewVegas(testVegasParams(), state, NewWindow(testWindowParams()))

	for i := uint32(0); i < vegas.Window().Get(); i++ {
		assert.True(t, vegas.CanSend())
		require.NoError(t, vegas.DataSent())
	}
	assert.False(t, vegas.CanSend())
}
