package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually driven Clock. Timers registered through After fire
// only when Fire is called, regardless of the requested duration.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []chan time.Time
	pending int
}

// NewFakeClock returns a fake clock starting at the Unix epoch.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(time.Unix(0, 0))
}

// NewFakeClockAt returns a fake clock starting at start.
func NewFakeClockAt(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a waiter for the next Fire. A Fire that happened while no
// waiter was registered is delivered immediately.
func (f *FakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, ch)
	return ch
}

// Fire delivers a single timer event to all current waiters.
func (f *FakeClock) Fire() {
	f.mu.Lock()
	if len(f.waiters) == 0 {
		f.pending++
		f.mu.Unlock()
		return
	}
	waiters := f.waiters
	now := f.now
	f.waiters = nil
	f.mu.Unlock()

	for _, ch := range waiters {
		ch <- now
	}
}

// Waiters returns the number of goroutines blocked in After. Tests use it to
// wait until a loop is parked on its timer before calling Fire.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Advance moves the fake current time forward by d.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
