// Package clock provides a time source abstraction so that protocol
// state machines can be tested with deterministic time.
//
// Production code uses RealTimeProvider; tests inject a MockTimeProvider
// and advance it manually.
package clock

import (
	"sync"
	"time"
)

// TimeProvider is an interface for getting the current time and creating
// tickers. This allows injecting a mock time provider for deterministic
// testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker creates a new ticker that fires at the given interval.
	NewTicker(d time.Duration) *time.Ticker
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new ticker using the standard library.
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// MockTimeProvider implements TimeProvider with a manually advanced
// clock.
type MockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTimeProvider creates a mock clock starting at a fixed instant.
func NewMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{now: time.Unix(1136239445, 0)}
}

// Now returns the mock clock's current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by d.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the mock clock to the given time.
func (m *MockTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewTicker creates a real ticker. Mock tests that need tick control
// should drive the code under test directly instead of waiting on the
// ticker.
func (m *MockTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
