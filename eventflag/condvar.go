// File: eventflag/condvar.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package eventflag

import "sync"

// CondFlag is the condition-variable event flag, for dispatchers that
// sleep on a condvar rather than in a kernel wait. Its Set is safe from
// any goroutine but NOT from signal-handler context.
type CondFlag struct {
	mu      sync.Mutex
	cond    *sync.Cond
	flagged bool
}

// NewCondFlag returns a ready-to-use condvar flag.
func NewCondFlag() *CondFlag {
	f := &CondFlag{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set raises the flag and wakes all waiters.
func (f *CondFlag) Set() {
	f.mu.Lock()
	f.flagged = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Wait blocks until the flag is set.
func (f *CondFlag) Wait() {
	f.mu.Lock()
	for !f.flagged {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Clear resets the flag.
func (f *CondFlag) Clear() {
	f.mu.Lock()
	f.flagged = false
	f.mu.Unlock()
}
