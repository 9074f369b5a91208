// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Compound event reactor. One dispatch step runs expired timers, sleeps
// in the kernel multiplexer until the next deadline (or a wake-up) unless
// timers ran, services async-triggered procedures and drains the posted work queue.
// Registration of callbacks on any of the four sources is safe from any
// goroutine at any time.

package reactor

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/tscb/api"
	"github.com/momentics/tscb/asyncwork"
	"github.com/momentics/tscb/control"
	"github.com/momentics/tscb/eventflag"
	"github.com/momentics/tscb/ioready"
	"github.com/momentics/tscb/timerq"
)

// Reactor drives timer, I/O readiness, async-safe and posted-work
// callbacks from a dispatch loop. Construct with New; drive with
// Dispatch from one (or, with care, several) goroutines.
type Reactor struct {
	io        ioready.Dispatcher
	trigger   eventflag.Trigger
	timers    *timerq.Queue
	asyncWork *asyncwork.Dispatcher

	workMu sync.Mutex
	work   *queue.Queue

	log     *zap.Logger
	metrics *control.MetricsRegistry
}

// New creates a reactor. Unless WithIoDispatcher is given, the readiness
// dispatcher best suited for the platform is created and owned.
func New(opts ...Option) (*Reactor, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	io := cfg.io
	if io == nil {
		var err error
		io, err = ioready.NewDispatcher()
		if err != nil {
			return nil, err
		}
	}

	trigger, err := io.EventTrigger()
	if err != nil {
		if cfg.io == nil {
			io.Close()
		}
		return nil, err
	}

	r := &Reactor{
		io:        io,
		trigger:   trigger,
		timers:    timerq.New(trigger),
		asyncWork: asyncwork.New(trigger),
		work:      queue.New(),
		log:       cfg.logger,
		metrics:   cfg.metrics,
	}
	r.log.Debug("reactor created")
	return r, nil
}

// Post queues fn for execution on a dispatching goroutine and wakes the
// loop.
func (r *Reactor) Post(fn func()) {
	r.workMu.Lock()
	r.work.Add(fn)
	r.workMu.Unlock()
	r.trigger.Set()
	r.metrics.Add(control.MetricWakeups, 1)
}

// Timer registers a timer callback; see timerq.Queue.Timer.
func (r *Reactor) Timer(fn timerq.Func, when time.Time) *timerq.Connection {
	return r.timers.Timer(fn, when)
}

// Watch registers an fd readiness callback; see ioready.Service.
func (r *Reactor) Watch(fn func(api.EventMask), fd int, events api.EventMask) (*ioready.Connection, error) {
	conn, err := r.io.Watch(fn, fd, events)
	if err != nil {
		r.log.Warn("watch registration failed", zap.Int("fd", fd), zap.Error(err))
	}
	return conn, err
}

// AsyncProcedure registers an async-safe triggered procedure; see
// asyncwork.Dispatcher.AsyncProcedure.
func (r *Reactor) AsyncProcedure(fn func()) *asyncwork.Connection {
	return r.asyncWork.AsyncProcedure(fn)
}

// EventTrigger returns the shared wake-up trigger. Raising it makes the
// next Dispatch return early.
func (r *Reactor) EventTrigger() eventflag.Trigger {
	return r.trigger
}

// runTimers executes due timers and computes the kernel wait timeout:
// zero when timers ran in this step, otherwise the time to the next
// deadline, or nil when no timer is pending.
func (r *Reactor) runTimers() *time.Duration {
	now := time.Now()
	ran := false
	for {
		next, pending := r.timers.NextTimer()
		if ran && (!pending || next.After(now)) {
			zero := time.Duration(0)
			return &zero
		}
		if !pending {
			return nil
		}
		if next.After(now) {
			d := next.Sub(now)
			return &d
		}
		r.timers.RunQueue(now)
		r.metrics.Add(control.MetricTimersRun, 1)
		ran = true
		// running the queue takes time of its own; re-read the clock
		// before deciding whether more timers fell due
		now = time.Now()
	}
}

// Dispatch performs one reactor step, sleeping until the next timer
// deadline, an I/O event or a trigger wake-up. A step that ran timers
// polls for I/O without sleeping.
func (r *Reactor) Dispatch() error {
	timeout := r.runTimers()

	n, err := r.io.Dispatch(timeout, 0)
	if err != nil {
		r.log.Warn("io dispatch failed", zap.Error(err))
		return err
	}
	r.metrics.Add(control.MetricIoEvents, int64(n))

	r.metrics.Add(control.MetricAsyncProcs, int64(r.asyncWork.Dispatch()))

	r.drainWorkqueue()
	return nil
}

// DispatchPending processes whatever is ready without sleeping and
// reports whether anything ran.
func (r *Reactor) DispatchPending() (bool, error) {
	processed := false

	if next, pending := r.timers.NextTimer(); pending {
		now := time.Now()
		if !next.After(now) {
			r.timers.RunQueue(now)
			r.metrics.Add(control.MetricTimersRun, 1)
			processed = true
		}
	}

	n, err := r.io.DispatchPending(0)
	if err != nil {
		return processed, err
	}
	if n > 0 {
		r.metrics.Add(control.MetricIoEvents, int64(n))
		processed = true
	}

	if c := r.asyncWork.Dispatch(); c > 0 {
		r.metrics.Add(control.MetricAsyncProcs, int64(c))
		processed = true
	}

	if r.drainWorkqueue() > 0 {
		processed = true
	}

	return processed, nil
}

// DispatchPendingAll processes pending events until none remains.
func (r *Reactor) DispatchPendingAll() error {
	for {
		processed, err := r.DispatchPending()
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// drainWorkqueue swaps the posted work into a local list and runs it
// with no locks held.
func (r *Reactor) drainWorkqueue() int {
	r.workMu.Lock()
	n := r.work.Length()
	if n == 0 {
		r.workMu.Unlock()
		return 0
	}
	items := make([]func(), 0, n)
	for r.work.Length() > 0 {
		items = append(items, r.work.Remove().(func()))
	}
	r.workMu.Unlock()

	for _, fn := range items {
		fn()
	}
	r.metrics.Add(control.MetricWorkItems, int64(len(items)))
	return len(items)
}

// Close tears down the timer queue, the async-safe dispatcher and the
// readiness dispatcher. Work still in the posted queue is not run. No
// goroutine may be dispatching concurrently.
func (r *Reactor) Close() error {
	r.timers.Close()
	r.asyncWork.Close()
	err := r.io.Close()
	r.log.Debug("reactor closed")
	return err
}
