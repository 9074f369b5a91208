// File: signal/signal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe multi-observer notifier. Receivers connect callbacks from
// any goroutine; a sender emits to all of them concurrently with
// registration and disconnection.
//
// Each chain keeps two logical lists over the same links:
//
//   - the full list (prev/next, valid only under the writer lock) holds
//     every not-yet-finalized link in insertion order;
//   - the active list (atomic activeNext) is the subset emitters see.
//
// A disconnected link leaves the active list immediately but keeps a
// valid activeNext into the surviving chain, so an emitter holding a
// stale pointer can always finish its traversal. Links are detached from
// the full list and finalized only at a quiescent point of the deferred
// lock.

package signal

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/tscb/api"
	"github.com/momentics/tscb/deferred"
)

type link[T any] struct {
	fn                  func(T)
	activeNext          atomic.Pointer[link[T]]
	prev                *link[T]
	next                *link[T]
	deferredDestroyNext *link[T]
	chain               atomic.Pointer[Signal[T]]
	regMu               sync.Mutex
	refcount            atomic.Int32
}

func (l *link[T]) acquire() {
	l.refcount.Add(1)
}

func (l *link[T]) release() {
	// dropping to zero leaves reclamation to the garbage collector; the
	// counter exists to make the finalization handoff observable
	l.refcount.Add(-1)
}

func (l *link[T]) disconnect() {
	l.regMu.Lock()
	chain := l.chain.Load()
	if chain != nil {
		chain.remove(l) // unlocks regMu
	} else {
		l.regMu.Unlock()
	}
}

func (l *link[T]) isConnected() bool {
	return l.chain.Load() != nil
}

// connection is the owner handle for one registration. Not safe for
// concurrent use of the handle itself; the disconnect it performs is.
type connection[T any] struct {
	l *link[T]
}

func (c *connection[T]) Disconnect() {
	if c.l != nil {
		c.l.disconnect()
		c.l.release()
		c.l = nil
	}
}

func (c *connection[T]) IsConnected() bool {
	return c.l != nil && c.l.isConnected()
}

// Signal is a generic notifier chain. The type parameter is the argument
// type delivered to connected callbacks. Construct with New.
type Signal[T any] struct {
	active          atomic.Pointer[link[T]]
	lock            deferred.DeferrableRWLock
	first           *link[T]
	last            *link[T]
	deferredDestroy *link[T]
}

// New returns an empty signal chain.
func New[T any]() *Signal[T] {
	s := &Signal[T]{}
	s.lock.Init()
	return s
}

// Connect registers fn to be called on every Emit. The returned
// connection can break the registration from any goroutine.
func (s *Signal[T]) Connect(fn func(T)) api.Connection {
	l := &link[T]{fn: fn}
	l.refcount.Store(1) // owner reference
	s.pushBack(l)
	return &connection[T]{l: l}
}

// Emit calls every connected callback in registration order. Callbacks
// registered or disconnected concurrently may or may not be observed;
// a callback disconnecting itself is observed for the current emit only.
func (s *Signal[T]) Emit(v T) {
	for s.lock.ReadLock() {
		s.synchronize()
	}
	l := s.active.Load()
	for l != nil {
		l.fn(v)
		l = l.activeNext.Load()
	}
	if s.lock.ReadUnlock() {
		s.synchronize()
	}
}

// DisconnectAll breaks every registration. Reports whether any link was
// disconnected.
func (s *Signal[T]) DisconnectAll() bool {
	any := false
	for s.lock.ReadLock() {
		s.synchronize()
	}
	l := s.active.Load()
	for l != nil {
		any = true
		l.disconnect()
		l = l.activeNext.Load()
	}
	if s.lock.ReadUnlock() {
		s.synchronize()
	}
	return any
}

// Close disconnects everything and forces the quiescent cleanup before
// returning, suspending the caller if a concurrent disconnect raced it.
// The signal must not be used afterwards.
func (s *Signal[T]) Close() {
	for s.lock.ReadLock() {
		s.synchronize()
	}
	anyCancelled := false
	for {
		l := s.active.Load()
		if l == nil {
			break
		}
		anyCancelled = true
		l.disconnect()
	}
	if s.lock.ReadUnlock() {
		// the disconnects above queued cleanup for the next quiescent
		// point; with no concurrent reader, that is now
		s.synchronize()
	} else if anyCancelled {
		// a racing disconnect claimed the quiescent point; block until
		// we are certain synchronization has been performed
		s.lock.WriteLockSync()
		toDestroy := s.synchronizeTop()
		s.lock.WriteUnlockSync()
		s.synchronizeBottom(toDestroy)
	}
}

// pushBack appends l to both lists and publishes it to emitters.
func (s *Signal[T]) pushBack(l *link[T]) {
	l.acquire() // chain reference

	l.regMu.Lock()
	sync := s.lock.WriteLockAsync()

	l.next = nil
	l.prev = s.last
	l.activeNext.Store(nil)

	// splice onto the active list: all trailing links whose activeNext
	// is nil have been removed from the active list and currently
	// terminate it; point every one of them at the new element
	tmp := s.last
	for {
		if tmp == nil {
			if s.active.Load() == nil {
				s.active.Store(l)
			}
			break
		}
		if tmp.activeNext.Load() != nil {
			break
		}
		tmp.activeNext.Store(l)
		tmp = tmp.prev
	}

	// insert into the full list
	if s.last != nil {
		s.last.next = l
	} else {
		s.first = l
	}
	s.last = l

	l.chain.Store(s)

	l.regMu.Unlock()

	if sync {
		s.synchronize()
	} else {
		s.lock.WriteUnlockAsync()
	}
}

// remove takes l off the active list and schedules it for destruction at
// the next quiescent point. Called with l.regMu held; unlocks it.
func (s *Signal[T]) remove(l *link[T]) {
	sync := s.lock.WriteLockAsync()
	if l.chain.Load() == s {
		// every predecessor on the full list still pointing at l within
		// the active chain must skip to l's successor
		tmp := l.prev
		next := l.activeNext.Load()
		for {
			if tmp == nil {
				if s.active.Load() == l {
					s.active.Store(next)
				}
				break
			}
			if tmp.activeNext.Load() != l {
				break
			}
			tmp.activeNext.Store(next)
			tmp = tmp.prev
		}

		l.deferredDestroyNext = s.deferredDestroy
		s.deferredDestroy = l

		// a second disconnect will find no chain and do nothing
		l.chain.Store(nil)
	}

	l.regMu.Unlock()

	if sync {
		s.synchronize()
	} else {
		s.lock.WriteUnlockAsync()
	}
}

// synchronizeTop detaches all deferred-destroy links from the full list.
// Runs with exclusive rights (quiescent point).
func (s *Signal[T]) synchronizeTop() *link[T] {
	toDestroy := s.deferredDestroy
	for l := toDestroy; l != nil; l = l.deferredDestroyNext {
		if l.prev != nil {
			l.prev.next = l.next
		} else {
			s.first = l.next
		}
		if l.next != nil {
			l.next.prev = l.prev
		} else {
			s.last = l.prev
		}
	}
	toDestroy = s.deferredDestroy
	s.deferredDestroy = nil
	return toDestroy
}

// synchronizeBottom finalizes detached links outside any lock, so that
// whatever the callbacks captured is released without deadlock risk.
func (s *Signal[T]) synchronizeBottom(toDestroy *link[T]) {
	for toDestroy != nil {
		tmp := toDestroy.deferredDestroyNext
		toDestroy.fn = nil
		toDestroy.release()
		toDestroy = tmp
	}
}

func (s *Signal[T]) synchronize() {
	toDestroy := s.synchronizeTop()
	s.lock.SyncFinished()
	s.synchronizeBottom(toDestroy)
}
