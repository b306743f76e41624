package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/torcore/clock"
)

func TestControlSendmeRoundtrip(t *testing.T) {
	clk := clock.NewMockTimeProvider()
	ctrl := NewControl(testParams(), clk)

	assert.True(t, ctrl.CanSend())
	assert.Equal(t, SlowStart, ctrl.State())

	// One SENDME increment's worth of outgoing data.
	tag := []byte("test-cell-digest-tag")
	inc := ctrl.Algorithm().Window().SendmeInc()
	for i := uint32(0); i < inc; i++ {
		require.NoError(t, ctrl.NoteDataSent(tag))
	}

	// The matching SENDME validates, feeds the RTT estimator and grows
	// the window.
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, ctrl.NoteSendmeReceived(tag, Signals{}))

	assert.Equal(t, uint32(100000), ctrl.RTT().EwmaRTTUsec())
	assert.Equal(t, 100*time.Millisecond, ctrl.MinRTT())
	assert.Equal(t, uint32(155), ctrl.Algorithm().Window().Get())
	assert.Equal(t, SlowStart, ctrl.State())
}

func TestControlUnexpectedSendme(t *testing.T) {
	ctrl := NewControl(testParams(), clock.NewMockTimeProvider())

	err := ctrl.NoteSendmeReceived([]byte("tag"), Signals{})
	assert.ErrorIs(t, err, ErrMismatchedSendme)
}

func TestControlSendmeTagMismatch(t *testing.T) {
	clk := clock.NewMockTimeProvider()
	ctrl := NewControl(testParams(), clk)

	inc := ctrl.Algorithm().Window().SendmeInc()
	for i := uint32(0); i < inc; i++ {
		require.NoError(t, ctrl.NoteDataSent([]byte("expected-tag")))
	}

	clk.Advance(50 * time.Millisecond)
	err := ctrl.NoteSendmeReceived([]byte("forged-tag"), Signals{})
	assert.ErrorIs(t, err, ErrMismatchedSendme)
}

func TestControlSendmeDue(t *testing.T) {
	ctrl := NewControl(testParams(), clock.NewMockTimeProvider())

	inc := ctrl.Algorithm().Window().SendmeInc()
	for i := uint32(0); i < inc-1; i++ {
		due, err := ctrl.NoteDataReceived()
		require.NoError(t, err)
		assert.False(t, due)
	}
	due, err := ctrl.NoteDataReceived()
	require.NoError(t, err)
	assert.True(t, due)

	require.NoError(t, ctrl.NoteSendmeSent())
	due, err = ctrl.NoteDataReceived()
	require.NoError(t, err)
	assert.False(t, due)
}

func TestControlWindowExhaustion(t *testing.T) {
	clk := clock.NewMockTimeProvider()
	ctrl := NewControl(testParams(), clk)
	tag := []byte("tag")

	cwnd := ctrl.Algorithm().Window().Get()
	for i := uint32(0); i < cwnd; i++ {
		require.True(t, ctrl.CanSend())
		require.NoError(t, ctrl.NoteDataSent(tag))
	}
	assert.False(t, ctrl.CanSend())

	// A SENDME releases one increment of the window.
	clk.Advance(80 * time.Millisecond)
	require.NoError(t, ctrl.NoteSendmeReceived(tag, Signals{}))
	assert.True(t, ctrl.CanSend())
}
