// Package clock abstracts time operations so scheduled work (pollers, retry
// waits) can be driven deterministically from tests. Production code uses
// SystemClock, tests inject the mock from testutil.
package clock

import "time"

// Clock provides the time operations the services need.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. Returns a Timer that can cancel the pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call was
	// stopped, false if the timer already expired or was stopped.
	Stop() bool
}

// SystemClock implements Clock using the standard time package.
type SystemClock struct{}

// NewSystemClock creates a new SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

var _ Clock = (*SystemClock)(nil)

// Now implements Clock.Now using time.Now.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock.AfterFunc using time.AfterFunc.
func (c *SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{timer: time.AfterFunc(d, f)}
}

// systemTimer wraps time.Timer to implement the Timer interface.
type systemTimer struct {
	timer *time.Timer
}

// Stop implements Timer.Stop.
func (t *systemTimer) Stop() bool {
	return t.timer.Stop()
}
