// Package clock provides an abstraction over time operations so that
// time-dependent logic (poll cadence, reconnect backoff) can be tested
// without real delays.
package clock

import "time"

// Clock provides the time operations used across the bridge.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep pauses execution for the given duration
	Sleep(d time.Duration)

	// NewTicker creates a new ticker that will send on its channel
	// at intervals specified by the duration
	NewTicker(d time.Duration) Ticker

	// After returns a channel that will receive a value after the duration
	After(d time.Duration) <-chan time.Time
}

// Ticker is an interface for time.Ticker to enable testing
type Ticker interface {
	// C returns the channel on which ticks are delivered
	C() <-chan time.Time

	// Stop turns off the ticker
	Stop()
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (rc *RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

func (rc *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// realTicker wraps time.Ticker to implement Ticker interface
type realTicker struct {
	ticker *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time {
	return rt.ticker.C
}

func (rt *realTicker) Stop() {
	rt.ticker.Stop()
}
