// File: asyncwork/asyncwork.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Async-safe triggered procedures. A procedure is registered once; any
// context that may not allocate or lock — including a signal handler —
// can request its eventual invocation by raising the link's activation
// flag. Raising pushes the link onto a lock-free pending stack and sets
// the shared wake trigger; the dispatching goroutine drains the stack.

package asyncwork

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/tscb/eventflag"
)

type link struct {
	fn           func()
	activation   atomic.Bool
	pendingNext  *link
	prev         *link
	next         *link
	service      *Dispatcher
	disconnected bool
	regMu        sync.Mutex
	refcount     atomic.Int32
}

func (l *link) release() {
	l.refcount.Add(-1)
}

// trigger marks the procedure for invocation. Only atomic operations and
// a pipe write; async-signal-safe.
func (l *link) trigger() {
	// already marked: the link either is on the pending stack or is
	// about to be pushed by the goroutine that won the flag
	if l.activation.Swap(true) {
		return
	}
	l.triggerBottom()
}

func (l *link) triggerBottom() {
	d := l.service
	for {
		tmp := d.pending.Load()
		l.pendingNext = tmp
		if d.pending.CompareAndSwap(tmp, l) {
			break
		}
	}
	d.trigger.Set()
}

func (l *link) disconnect() {
	l.regMu.Lock()
	if l.disconnected {
		l.regMu.Unlock()
		return
	}

	d := l.service
	d.mu.Lock()

	l.disconnected = true

	if l.prev != nil {
		l.prev.next = l.next
	} else {
		d.first = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		d.last = l.prev
	}

	if l.activation.Swap(true) {
		// already triggered: the link has been, or is about to be,
		// pushed onto the pending stack; the next dispatch cleans up
		d.asyncCancelCount.Add(1)
		d.mu.Unlock()
		l.regMu.Unlock()
	} else {
		d.mu.Unlock()
		l.regMu.Unlock()
		l.release()
	}
}

// Connection is the owner handle for a registered async procedure.
type Connection struct {
	l *link
}

// Trigger requests invocation of the procedure. Safe from any goroutine
// and from signal-handler context; duplicate triggers before the next
// dispatch collapse into one invocation.
func (c *Connection) Trigger() {
	if c.l != nil {
		c.l.trigger()
	}
}

// Disconnect unregisters the procedure; see api.Connection.
func (c *Connection) Disconnect() {
	if c.l != nil {
		c.l.disconnect()
		c.l.release()
		c.l = nil
	}
}

// IsConnected reports whether the procedure is still registered.
func (c *Connection) IsConnected() bool {
	if c.l == nil {
		return false
	}
	c.l.regMu.Lock()
	connected := !c.l.disconnected
	c.l.regMu.Unlock()
	return connected
}

// Dispatcher owns the registry of async-safe procedures and drains the
// pending stack on behalf of the reactor loop.
type Dispatcher struct {
	pending          atomic.Pointer[link]
	asyncCancelCount atomic.Int64
	first            *link
	last             *link
	mu               sync.Mutex
	trigger          eventflag.Trigger
}

// New creates a dispatcher that raises trigger whenever work is queued.
func New(trigger eventflag.Trigger) *Dispatcher {
	return &Dispatcher{trigger: trigger}
}

// AsyncProcedure registers fn and returns its connection.
func (d *Dispatcher) AsyncProcedure(fn func()) *Connection {
	l := &link{fn: fn, service: d}
	l.refcount.Store(2) // owner + dispatcher

	d.mu.Lock()
	l.prev = d.last
	l.next = nil
	if d.last != nil {
		d.last.next = l
	} else {
		d.first = l
	}
	d.last = l
	d.mu.Unlock()

	return &Connection{l: l}
}

// Pending reports whether any triggered procedure awaits dispatch.
func (d *Dispatcher) Pending() bool {
	return d.pending.Load() != nil
}

// Dispatch runs every procedure triggered so far, in trigger order, and
// returns how many ran. If a procedure panics, the remainder is pushed
// back onto the pending stack, the trigger is re-raised so the next
// dispatch picks them up, and the panic propagates.
func (d *Dispatcher) Dispatch() int {
	if d.pending.Load() == nil {
		return 0
	}

	head := d.pending.Swap(nil)
	// the stack is LIFO; reverse it so procedures run first-triggered
	// first
	var fifo *link
	for head != nil {
		next := head.pendingNext
		head.pendingNext = fifo
		fifo = head
		head = next
	}

	handled := 0
	completed := false
	defer func() {
		if completed {
			return
		}
		// a procedure panicked: push the remainder back and re-raise the
		// trigger so the next dispatch resumes, then let the panic go
		if fifo != nil {
			d.requeue(fifo)
		} else {
			d.trigger.Set()
		}
	}()

	for fifo != nil {
		proc := fifo
		fifo = fifo.pendingNext

		d.mu.Lock()
		proc.activation.Store(false)
		if !proc.disconnected {
			d.mu.Unlock()
			// a panic here leaves proc counted as processed and the
			// remainder re-queued by the deferred handler
			proc.fn()
			handled++
		} else {
			d.mu.Unlock()
			proc.release()
			d.asyncCancelCount.Add(-1)
		}
	}

	completed = true
	return handled
}

// requeue pushes an interrupted remainder back onto the pending stack in
// its current order and re-raises the trigger.
func (d *Dispatcher) requeue(head *link) {
	last := head
	for last.pendingNext != nil {
		last = last.pendingNext
	}
	for {
		tmp := d.pending.Load()
		last.pendingNext = tmp
		if d.pending.CompareAndSwap(tmp, head) {
			break
		}
	}
	d.trigger.Set()
}

// Close disconnects every registered procedure and reaps links whose
// cancellation was deferred to a dispatch that will never come.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for d.first != nil {
		l := d.first
		d.mu.Unlock()
		l.disconnect()
		d.mu.Lock()
	}
	d.mu.Unlock()

	for d.asyncCancelCount.Load() != 0 {
		proc := d.pending.Swap(nil)
		for proc != nil {
			next := proc.pendingNext
			proc.release()
			d.asyncCancelCount.Add(-1)
			proc = next
		}
	}
}
