// Package clock abstracts time so the sample collector's auto flush and the
// assessment rate limiter can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source shared by time-dependent components.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the standard library for production use.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After relays to time.After for real scheduling.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since reports the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
