// File: ioready/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Kernel-independent half of the readiness dispatchers. The epoll and
// kqueue backends plug in through kernelBackend; everything about chain
// maintenance, the deferred lock, the wake-up trigger and the dispatch
// protocol lives here.

package ioready

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/tscb/api"
	"github.com/momentics/tscb/deferred"
	"github.com/momentics/tscb/eventflag"
)

// kernelEvent is one translated readiness event.
type kernelEvent struct {
	fd     int
	events api.EventMask
}

// kernelBackend abstracts the OS multiplexer.
type kernelBackend interface {
	// apply reconciles the kernel subscription of fd from oldMask to
	// newMask. Errors matter only when oldMask is empty (initial add);
	// modifications and removals are best effort.
	apply(fd int, oldMask, newMask api.EventMask) error

	// wait blocks up to timeout (nil = forever) for up to len(buf)
	// events and translates them. Interruption by a signal yields
	// (0, nil).
	wait(timeout *time.Duration, buf []kernelEvent) (int, error)

	close() error
}

type dispatcher struct {
	backend     kernelBackend
	fdtab       fdTable
	lock        deferred.DeferrableRWLock
	wakeup      atomic.Pointer[eventflag.PipeFlag]
	singletonMu sync.Mutex
}

func newDispatcher(backend kernelBackend) *dispatcher {
	d := &dispatcher{backend: backend}
	d.lock.Init()
	d.fdtab.init(32)
	return d
}

// Watch implements Service.
func (d *dispatcher) Watch(fn func(api.EventMask), fd int, events api.EventMask) (*Connection, error) {
	if fd < 0 {
		return nil, api.ErrInvalidDescriptor
	}
	l := &ioLink{fn: fn, fd: fd}
	l.refcount.Store(1) // owner reference
	l.evmask.Store(uint32(events.Normalize()))

	sync := d.lock.WriteLockAsync()

	oldMask, newMask := d.fdtab.insert(l)
	if oldMask != newMask {
		if err := d.backend.apply(fd, oldMask, newMask); err != nil && oldMask == api.IoReadyNone {
			// initial add rejected: roll the insert back; the link is
			// finalized at the quiescent point like any removed one
			d.fdtab.remove(l)
			d.writeUnlock(sync)
			return nil, &api.RegistrationError{Fd: fd, Err: err}
		}
	}

	l.service = d
	l.connected.Store(true)

	d.writeUnlock(sync)
	return &Connection{l: l}, nil
}

// removeSync implements ioService; regMu is held and released here.
func (d *dispatcher) removeSync(l *ioLink) {
	sync := d.lock.WriteLockAsync()
	if l.service == ioService(d) {
		oldMask, newMask := d.fdtab.remove(l)
		if oldMask != newMask {
			_ = d.backend.apply(l.fd, oldMask, newMask)
		}
		l.service = nil
		l.connected.Store(false)
	}
	l.regMu.Unlock()
	d.writeUnlock(sync)
}

// modifySync implements ioService; regMu is held by the caller.
func (d *dispatcher) modifySync(l *ioLink, events api.EventMask) {
	sync := d.lock.WriteLockAsync()
	if l.service == ioService(d) {
		oldMask, newMask := d.fdtab.modify(l, events)
		if oldMask != newMask {
			_ = d.backend.apply(l.fd, oldMask, newMask)
		}
	}
	d.writeUnlock(sync)
}

func (d *dispatcher) writeUnlock(sync bool) {
	if sync {
		d.synchronize()
	} else {
		d.lock.WriteUnlockAsync()
	}
}

// synchronize applies queued structural edits at a quiescent point and
// finalizes detached links with no locks held.
func (d *dispatcher) synchronize() {
	stale := d.fdtab.synchronize()
	d.lock.SyncFinished()
	for stale != nil {
		next := stale.inactiveNext
		stale.fn = nil
		stale.release()
		stale = next
	}
}

func (d *dispatcher) processEvents(events []kernelEvent, cookie uint32) {
	for _, ev := range events {
		for d.lock.ReadLock() {
			d.synchronize()
		}
		d.fdtab.notify(ev.fd, ev.events, cookie)
		if d.lock.ReadUnlock() {
			d.synchronize()
		}
	}
}

// Dispatch implements Dispatcher.
func (d *dispatcher) Dispatch(timeout *time.Duration, max int) (int, error) {
	var buf [batchCap]kernelEvent
	events := buf[:clampBatch(max)]

	cookie := d.fdtab.cookieNow()

	evflag := d.wakeup.Load()
	if evflag == nil {
		n, err := d.backend.wait(timeout, events)
		if n > 0 {
			d.processEvents(events[:n], cookie)
		}
		return n, err
	}

	evflag.StartWaiting()
	if evflag.Flagged() {
		zero := time.Duration(0)
		timeout = &zero
	}
	n, err := d.backend.wait(timeout, events)
	evflag.StopWaiting()

	if n > 0 {
		d.processEvents(events[:n], cookie)
	}
	evflag.Clear()
	return n, err
}

// DispatchPending implements Dispatcher.
func (d *dispatcher) DispatchPending(max int) (int, error) {
	var buf [batchCap]kernelEvent
	events := buf[:clampBatch(max)]

	cookie := d.fdtab.cookieNow()
	zero := time.Duration(0)

	n, err := d.backend.wait(&zero, events)
	if n > 0 {
		d.processEvents(events[:n], cookie)
	}
	if evflag := d.wakeup.Load(); evflag != nil {
		evflag.Clear()
	}
	return n, err
}

// EventTrigger implements Dispatcher. The first call allocates the
// self-pipe and registers its read end as an internal input source; the
// byte is drained by the flag's Clear at the end of each dispatch.
func (d *dispatcher) EventTrigger() (eventflag.Trigger, error) {
	if flag := d.wakeup.Load(); flag != nil {
		return flag, nil
	}

	d.singletonMu.Lock()
	defer d.singletonMu.Unlock()

	if flag := d.wakeup.Load(); flag != nil {
		return flag, nil
	}

	flag, err := eventflag.NewPipeFlag()
	if err != nil {
		return nil, err
	}
	if _, err := d.Watch(func(api.EventMask) {}, flag.ReadFd(), api.IoReadyInput); err != nil {
		flag.Close()
		return nil, err
	}

	d.wakeup.Store(flag)
	return flag, nil
}

// Close implements Dispatcher. Callers must guarantee no goroutine is
// dispatching and no new registrations arrive; concurrent disconnects
// are tolerated and waited out.
func (d *dispatcher) Close() error {
	for d.lock.ReadLock() {
		d.synchronize()
	}
	anyCancelled := d.fdtab.disconnectAll()
	if d.lock.ReadUnlock() {
		// the disconnects queued cleanup for the next quiescent point;
		// with no concurrent disconnect, that is now
		d.synchronize()
	} else if anyCancelled {
		// a racing disconnect claimed the quiescent point; block until
		// synchronization has definitely happened
		d.lock.WriteLockSync()
		stale := d.fdtab.synchronize()
		d.lock.WriteUnlockSync()
		for stale != nil {
			next := stale.inactiveNext
			stale.fn = nil
			stale.release()
			stale = next
		}
	}

	err := d.backend.close()
	if flag := d.wakeup.Load(); flag != nil {
		flag.Close()
	}
	return err
}
