// Package eventloop adapts github.com/joeycumines/go-eventloop's reactor
// into the narrow surface the DVM core needs: submit a callback for the
// next tick, and arm a cancelable timer. All job-state activation and all
// ring-heartbeat ticking flows through a single Loop, preserving the
// single-threaded cooperative dispatch the core assumes throughout.
package eventloop

import (
	"context"
	"sync/atomic"
	"time"

	upstream "github.com/joeycumines/go-eventloop"
)

// Loop wraps upstream.Loop with the Submit/ScheduleTimer contract the DVM
// core depends on.
type Loop struct {
	inner *upstream.Loop
}

// New creates a Loop. Callers must call Run in a goroutine (or call it
// directly and block, for a daemon whose main goroutine has nothing else
// to do) before any submitted work executes.
func New() (*Loop, error) {
	inner, err := upstream.New()
	if err != nil {
		return nil, err
	}
	return &Loop{inner: inner}, nil
}

// Run blocks, pumping the loop until ctx is cancelled or Shutdown is
// called.
func (l *Loop) Run(ctx context.Context) error {
	return l.inner.Run(ctx)
}

// Shutdown stops the loop, letting in-flight callbacks finish.
func (l *Loop) Shutdown(ctx context.Context) error {
	return l.inner.Shutdown(ctx)
}

// Submit enqueues fn to run on the loop goroutine at the next tick. Safe
// to call from any goroutine.
func (l *Loop) Submit(fn func()) error {
	return l.inner.Submit(fn)
}

// CancelFunc cancels a previously armed timer. Calling it after the timer
// has already fired is a no-op.
type CancelFunc func()

// ScheduleTimer arms fn to run once after delay, and returns a CancelFunc
// that prevents fn from running if called before the timer fires. This is
// the concrete primitive behind §4.7's "event-driven cancellation" and
// §4.4's re-arming heartbeat ticks: callers store the returned CancelFunc
// on the owning Job/Proc/ring-neighbor attribute and call it when the
// condition being waited on resolves first.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (CancelFunc, error) {
	var cancelled atomic.Bool
	_, err := l.inner.ScheduleTimer(delay, func() {
		if !cancelled.Load() {
			fn()
		}
	})
	if err != nil {
		return nil, err
	}
	return func() { cancelled.Store(true) }, nil
}
