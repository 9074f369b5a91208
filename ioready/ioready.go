// File: ioready/ioready.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral interface of the I/O readiness dispatchers. Concrete
// implementations use epoll (Linux) and kqueue (BSD, Darwin); the
// NewDispatcher factory picks the mechanism for the build target.

package ioready

import (
	"time"

	"github.com/momentics/tscb/api"
	"github.com/momentics/tscb/eventflag"
)

// Service is the registration interface receivers use to watch file
// descriptors.
type Service interface {
	// Watch requests callbacks for readiness events on fd. The callback
	// receives the subset of watched events that occurred. A non-empty
	// mask implicitly includes error and hangup conditions.
	//
	// It is the caller's responsibility to keep fd open until the
	// registration is disconnected.
	Watch(fn func(api.EventMask), fd int, events api.EventMask) (*Connection, error)
}

// Dispatcher drives the kernel multiplexer and delivers readiness events
// to watchers.
//
// Dispatch and DispatchPending are reentrant: multiple goroutines may
// dispatch the same instance concurrently. Edge behavior is kernel
// dependent — one-shot delivery is not used, so concurrent dispatchers
// can both pick up the same kernel event and invoke the same callback
// twice for it.
type Dispatcher interface {
	Service

	// Dispatch processes up to max events (clamped to an internal batch
	// cap), sleeping up to timeout if none is pending. A nil timeout
	// sleeps indefinitely. It returns early when the dispatcher's event
	// trigger is set; the trigger interrupts only the next dispatch
	// after it was raised.
	Dispatch(timeout *time.Duration, max int) (int, error)

	// DispatchPending processes up to max pending events without
	// sleeping.
	DispatchPending(max int) (int, error)

	// EventTrigger returns the trigger associated with this dispatcher,
	// creating it on first use. Raising it (from any goroutine, or from
	// a signal handler) wakes a sleeping Dispatch. The trigger's
	// lifetime is the dispatcher's; callers must not close it.
	EventTrigger() (eventflag.Trigger, error)

	// Close disconnects all registrations, forces the final quiescent
	// cleanup and releases the kernel handle.
	Close() error
}

// batchCap bounds one kernel wait's event array.
const batchCap = 16

func clampBatch(max int) int {
	if max <= 0 || max > batchCap {
		return batchCap
	}
	return max
}

// durationToMsec converts a dispatch timeout to poll-style milliseconds,
// rounding up so short timeouts do not busy-spin. nil means infinite.
func durationToMsec(timeout *time.Duration) int {
	if timeout == nil {
		return -1
	}
	if *timeout <= 0 {
		return 0
	}
	return int((*timeout + time.Millisecond - 1) / time.Millisecond)
}
