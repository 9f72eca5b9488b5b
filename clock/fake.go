package clock

import (
	"sync"
	"time"
)

// FakeClock implements Clock for testing with controllable time
type FakeClock struct {
	mu      sync.RWMutex
	now     time.Time
	tickers []*fakeTicker
	waiters []*fakeWaiter
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.now
}

func (fc *FakeClock) Sleep(d time.Duration) {
	// In fake clock, sleep advances time immediately
	fc.Advance(d)
}

func (fc *FakeClock) NewTicker(d time.Duration) Ticker {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	ft := &fakeTicker{c: make(chan time.Time, 1)}
	fc.tickers = append(fc.tickers, ft)
	return ft
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	w := &fakeWaiter{
		deadline: fc.now.Add(d),
		c:        make(chan time.Time, 1),
	}
	fc.waiters = append(fc.waiters, w)
	return w.c
}

// Advance moves the fake clock forward by the given duration
// and fires any tickers and pending waiters that should fire
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)

	for _, ticker := range fc.tickers {
		if !ticker.stopped {
			select {
			case ticker.c <- fc.now:
			default:
				// Channel full, skip
			}
		}
	}

	remaining := fc.waiters[:0]
	for _, w := range fc.waiters {
		if !fc.now.Before(w.deadline) {
			select {
			case w.c <- fc.now:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	fc.waiters = remaining
}

// PendingWaiters returns the number of After channels that have not fired yet.
func (fc *FakeClock) PendingWaiters() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.waiters)
}

// fakeTicker implements Ticker for testing
type fakeTicker struct {
	c       chan time.Time
	stopped bool
}

func (ft *fakeTicker) C() <-chan time.Time {
	return ft.c
}

func (ft *fakeTicker) Stop() {
	ft.stopped = true
}

// fakeWaiter tracks a pending After call
type fakeWaiter struct {
	deadline time.Time
	c        chan time.Time
}
