package relay

import "time"

// Timer is a handle to one scheduled callback.
type Timer interface {
	// Stop prevents the callback from running if it has not started yet.
	// It reports whether the call stopped the timer.
	Stop() bool
}

// Scheduler arms debounce timers. The default is [RealScheduler]; tests inject
// a manual implementation to fire timers deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler schedules callbacks with [time.AfterFunc].
type RealScheduler struct{}

// AfterFunc implements [Scheduler].
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
