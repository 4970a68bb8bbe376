// Package clock abstracts time and delayed callbacks so timers in the
// negotiation client can be driven deterministically in tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Timer is a cancellable delayed callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// fired or was stopped.
	Stop() bool
}

// TimeProvider is an interface for getting the current time and scheduling
// delayed callbacks. Implementations must be safe for concurrent use.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// AfterFunc schedules f to run once after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealTimeProvider implements TimeProvider using the actual system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// Since returns the duration since t using the standard library.
func (RealTimeProvider) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc schedules f on its own goroutine using the standard library.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type providerBox struct {
	tp TimeProvider
}

// defaultTimeProvider is the package-level default time provider.
// Used by types that don't have an explicitly set time provider.
var defaultTimeProvider atomic.Pointer[providerBox]

func init() {
	defaultTimeProvider.Store(&providerBox{tp: RealTimeProvider{}})
}

// SetDefault sets the package-level default time provider. It is safe to
// call while other goroutines resolve the default through Or.
// Pass nil to reset to the system clock.
func SetDefault(tp TimeProvider) {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	defaultTimeProvider.Store(&providerBox{tp: tp})
}

// Or returns tp if non-nil, otherwise the package-level default.
func Or(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return defaultTimeProvider.Load().tp
}
