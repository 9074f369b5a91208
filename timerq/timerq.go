// File: timerq/timerq.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer queue dispatcher. Pending timers sit in a min-heap keyed by their
// deadline; RunQueue executes everything due at a given instant and
// reports when the next one expires. A trigger shared with the
// surrounding reactor interrupts a kernel wait when an earlier deadline
// appears.
//
// Cancellation always wins: a timer function racing with Disconnect may
// run one last time, but it is never rearmed once the disconnect has been
// linearized.

package timerq

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/tscb/eventflag"
)

// Func is a timer callback. It receives the queue's notion of the
// current time (usually slightly after the requested deadline). To rearm
// the timer it returns its next deadline and true; returning false
// cancels it.
type Func func(now time.Time) (next time.Time, rearm bool)

type link struct {
	fn        Func
	when      time.Time
	index     int // heap position, -1 while unqueued
	queue     atomic.Pointer[Queue]
	connected atomic.Bool
	regMu     sync.Mutex
	refcount  atomic.Int32
}

func (l *link) release() {
	l.refcount.Add(-1)
}

// finalize clears the callback so anything it captured is released; runs
// only after the link can no longer be invoked.
func (l *link) finalize() {
	l.fn = nil
	l.release()
}

func (l *link) disconnect() {
	l.regMu.Lock()
	q := l.queue.Load()
	if q == nil {
		l.regMu.Unlock()
		return
	}

	q.mu.Lock()
	l.queue.Store(nil)
	l.connected.Store(false)
	queued := l.index >= 0
	wasMin := queued && q.timers[0] == l
	if queued {
		heap.Remove(&q.timers, l.index)
	}
	q.mu.Unlock()
	l.regMu.Unlock()

	if queued {
		l.finalize()
	}
	if wasMin && q.trigger != nil {
		q.trigger.Set()
	}
}

// Connection is the owner handle for one timer registration.
type Connection struct {
	l *link
}

// Disconnect cancels the timer; see api.Connection.
func (c *Connection) Disconnect() {
	if c.l != nil {
		c.l.disconnect()
		c.l.release()
		c.l = nil
	}
}

// IsConnected reports whether the timer is still registered.
func (c *Connection) IsConnected() bool {
	return c.l != nil && c.l.connected.Load()
}

// When returns the timer's current deadline; meaningful only while the
// caller knows no concurrent rearm is in progress.
func (c *Connection) When() time.Time {
	if c.l == nil {
		return time.Time{}
	}
	return c.l.when
}

type timerHeap []*link

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	l := x.(*link)
	l.index = len(*h)
	*h = append(*h, l)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.index = -1
	*h = old[:n-1]
	return l
}

// Queue dispatches timer callbacks. The dispatching goroutine calls
// RunQueue periodically; registration is safe from any goroutine.
type Queue struct {
	mu      sync.Mutex
	timers  timerHeap
	running bool
	trigger eventflag.Trigger
}

// New creates a timer queue that raises trigger whenever a waiting
// dispatcher must recompute its timeout.
func New(trigger eventflag.Trigger) *Queue {
	return &Queue{trigger: trigger}
}

// Timer registers fn to run at when. The deadline is absolute; use
// time.Now().Add(d) for a relative one.
func (q *Queue) Timer(fn Func, when time.Time) *Connection {
	l := &link{fn: fn, when: when, index: -1}
	l.queue.Store(q)
	l.refcount.Store(2) // owner + queue
	l.connected.Store(true)

	q.mu.Lock()
	heap.Push(&q.timers, l)
	// only a new minimum moves the next deadline, and a queue run will
	// recompute it itself
	wake := q.timers[0] == l && !q.running
	q.mu.Unlock()

	if wake && q.trigger != nil {
		q.trigger.Set()
	}
	return &Connection{l: l}
}

// NextTimer reports whether any timer is pending and the earliest
// deadline. The check can race with concurrent registration; callers
// must clear the trigger first, then check, then wait on timeout and
// trigger atomically.
func (q *Queue) NextTimer() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.timers) == 0 {
		return time.Time{}, false
	}
	return q.timers[0].when, true
}

// RunQueue executes every timer due at or before now, including ones
// that rearm back into the window. It returns the next pending deadline,
// if any. A panicking timer callback is dropped (not rearmed), the
// queue's invariants are restored, and the panic propagates to the
// caller of RunQueue.
func (q *Queue) RunQueue(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	if len(q.timers) == 0 {
		q.mu.Unlock()
		return time.Time{}, false
	}
	q.running = true

	for len(q.timers) > 0 {
		l := q.timers[0]
		if l.when.After(now) {
			break
		}
		heap.Pop(&q.timers) // marks l unqueued
		q.mu.Unlock()

		next, rearm := q.invoke(l, now)

		if !rearm {
			// the timer asked for cancellation
			l.regMu.Lock()
			l.queue.Store(nil)
			l.connected.Store(false)
			l.regMu.Unlock()
			l.finalize()
			q.mu.Lock()
			continue
		}

		if !l.connected.Load() {
			// disconnected while the callback ran; disconnect found the
			// link unqueued and left the queue's reference to us
			l.finalize()
			q.mu.Lock()
			continue
		}

		q.mu.Lock()
		// recheck under the mutex: a disconnect between the check above
		// and this point has marked the link, and must win
		if l.connected.Load() {
			l.when = next
			heap.Push(&q.timers, l)
		} else {
			q.mu.Unlock()
			l.finalize()
			q.mu.Lock()
		}
	}

	q.running = false
	if len(q.timers) == 0 {
		q.mu.Unlock()
		return time.Time{}, false
	}
	next := q.timers[0].when
	q.mu.Unlock()
	return next, true
}

// invoke runs one timer callback with the queue unlocked. On panic the
// link is finalized and the running flag reset before propagating.
func (q *Queue) invoke(l *link, now time.Time) (next time.Time, rearm bool) {
	defer func() {
		if r := recover(); r != nil {
			l.regMu.Lock()
			l.queue.Store(nil)
			l.connected.Store(false)
			l.regMu.Unlock()
			l.finalize()

			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			panic(r)
		}
	}()
	return l.fn(now)
}

// Close detaches every registered timer without running it. Callbacks
// already in flight on other goroutines complete.
func (q *Queue) Close() {
	for {
		q.mu.Lock()
		if len(q.timers) == 0 {
			q.mu.Unlock()
			return
		}
		l := heap.Pop(&q.timers).(*link)
		l.queue.Store(nil)
		l.connected.Store(false)
		q.mu.Unlock()
		l.finalize()
	}
}
