package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockTimeProviderAdvance(t *testing.T) {
	clk := NewMockTimeProvider()
	start := clk.Now()

	clk.Advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, clk.Now().Sub(start))

	// Time stands still between calls.
	assert.Equal(t, clk.Now(), clk.Now())
}

func TestMockTimeProviderSet(t *testing.T) {
	clk := NewMockTimeProvider()
	target := clk.Now().Add(-time.Hour)

	clk.Set(target)
	assert.True(t, clk.Now().Equal(target))
}

func TestRealTimeProviderNow(t *testing.T) {
	clk := RealTimeProvider{}
	before := time.Now()
	got := clk.Now()
	assert.False(t, got.Before(before))
}

func TestTickerFires(t *testing.T) {
	clk := RealTimeProvider{}
	ticker := clk.NewTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C:
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}
