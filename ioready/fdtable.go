// File: ioready/fdtable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler table mapping file descriptors to callback chains. The table
// only grows; a resize publishes a larger copy and parks the old array on
// a free-at-quiescence list, because a concurrent notifier may still be
// reading it. Each per-fd chain carries a generation cookie that advances
// when the last registration of the descriptor is removed, so that events
// obtained for an earlier incarnation of the descriptor are recognized as
// stale. Inserts, mask changes and removals that leave other
// registrations in place do not advance it.
//
// Concurrency rules (synchronization is the caller's job, via the
// dispatcher's deferred lock):
//
//   - notify and disconnectAll may run concurrently with any mutating
//     function, but not with synchronize;
//   - insert, remove and modify require the write lock;
//   - synchronize requires a quiescent point.

package ioready

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/tscb/api"
)

// ioService is the dispatcher-side contract a link calls back into for
// disconnect and mask changes.
type ioService interface {
	// removeSync unregisters the link. Called with the link's
	// registration mutex held; implementations release it.
	removeSync(l *ioLink)

	// modifySync changes the link's event mask. Called and left with the
	// link's registration mutex held.
	modifySync(l *ioLink, events api.EventMask)
}

// ioLink is one fd callback registration.
type ioLink struct {
	fn           func(api.EventMask)
	fd           int
	evmask       atomic.Uint32
	activeNext   atomic.Pointer[ioLink]
	prev         *ioLink
	next         *ioLink
	inactiveNext *ioLink
	service      ioService // guarded by regMu
	connected    atomic.Bool
	regMu        sync.Mutex
	refcount     atomic.Int32
}

func (l *ioLink) eventMask() api.EventMask {
	return api.EventMask(l.evmask.Load())
}

func (l *ioLink) acquire() {
	l.refcount.Add(1)
}

func (l *ioLink) release() {
	l.refcount.Add(-1)
}

func (l *ioLink) disconnect() {
	l.regMu.Lock()
	svc := l.service
	if svc != nil {
		svc.removeSync(l) // releases regMu
	} else {
		l.regMu.Unlock()
	}
}

// Connection is the owner handle for a watch registration. In addition
// to the common connection surface it can change the watched event mask,
// which is much cheaper than disconnecting and re-registering.
type Connection struct {
	l *ioLink
}

// Disconnect breaks the registration; see api.Connection.
func (c *Connection) Disconnect() {
	if c.l != nil {
		c.l.disconnect()
		c.l.release()
		c.l = nil
	}
}

// IsConnected reports whether the registration is still live.
func (c *Connection) IsConnected() bool {
	return c.l != nil && c.l.connected.Load()
}

// Modify changes the set of watched events. IoReadyNone suspends
// notification without unregistering; no events, error and hangup
// included, are delivered while the mask is empty. A non-empty mask
// implicitly includes error and hangup.
func (c *Connection) Modify(events api.EventMask) {
	if c.l == nil {
		return
	}
	events = events.Normalize()
	c.l.regMu.Lock()
	svc := c.l.service
	if svc != nil {
		svc.modifySync(c.l, events)
	}
	c.l.regMu.Unlock()
}

// EventMask returns the currently watched event set.
func (c *Connection) EventMask() api.EventMask {
	if c.l == nil {
		return api.IoReadyNone
	}
	return c.l.eventMask()
}

type fdChain struct {
	active atomic.Pointer[ioLink]
	first  *ioLink
	last   *ioLink
	cookie atomic.Uint32
}

// computeEventMask returns the union of masks over the active list.
func (ch *fdChain) computeEventMask() api.EventMask {
	mask := api.IoReadyNone
	l := ch.active.Load()
	for l != nil {
		mask |= l.eventMask()
		l = l.activeNext.Load()
	}
	return mask
}

type fdTableArray struct {
	entries []atomic.Pointer[fdChain]
	old     *fdTableArray
}

func newFdTableArray(capacity int) *fdTableArray {
	return &fdTableArray{entries: make([]atomic.Pointer[fdChain], capacity)}
}

type fdTable struct {
	tab            atomic.Pointer[fdTableArray]
	inactive       *ioLink
	cookie         atomic.Uint32
	needCookieSync bool
}

func (t *fdTable) init(initial int) {
	if initial < 1 {
		initial = 1
	}
	t.tab.Store(newFdTableArray(initial))
}

// cookieNow returns the call cookie to carry through one kernel wait.
func (t *fdTable) cookieNow() uint32 {
	return t.cookie.Load()
}

// insert registers the link under its descriptor and returns the old and
// new effective event mask of that descriptor. Acquires a chain
// reference. Requires the write lock.
func (t *fdTable) insert(l *ioLink) (oldMask, newMask api.EventMask) {
	ch := t.getCreateChain(l.fd)

	l.acquire()

	oldMask = ch.computeEventMask()
	newMask = oldMask | l.eventMask()

	l.prev = ch.last
	l.next = nil
	l.activeNext.Store(nil)

	// splice onto the active list: trailing removed links currently
	// terminate it and must point at the new element
	tmp := ch.last
	for {
		if tmp == nil {
			if ch.active.Load() == nil {
				ch.active.Store(l)
			}
			break
		}
		if tmp.activeNext.Load() != nil {
			break
		}
		tmp.activeNext.Store(l)
		tmp = tmp.prev
	}

	if ch.last != nil {
		ch.last.next = l
	} else {
		ch.first = l
	}
	ch.last = l

	return oldMask, newMask
}

// remove unlinks l from the active list and parks it for finalization at
// the next quiescent point. Returns the old and new effective mask.
// Requires the write lock.
func (t *fdTable) remove(l *ioLink) (oldMask, newMask api.EventMask) {
	ch := t.getChain(l.fd)

	tmp := l.prev
	next := l.activeNext.Load()
	for {
		if tmp == nil {
			if ch.active.Load() == l {
				ch.active.Store(next)
			}
			break
		}
		if tmp.activeNext.Load() != l {
			break
		}
		tmp.activeNext.Store(next)
		tmp = tmp.prev
	}

	newMask = ch.computeEventMask()
	oldMask = newMask | l.eventMask()

	// When the last callback for a descriptor goes away, the program may
	// close and reuse the fd immediately. A pending kernel event for the
	// old descriptor must not be delivered to a chain recreated for the
	// new one, so advance the generation cookie: notify drops any event
	// carrying an older snapshot. The 16-bit rollover forces a resync of
	// every chain at the next quiescent point.
	if ch.active.Load() == nil {
		oldCookie := t.cookie.Add(1) - 1
		newCookie := oldCookie + 1
		ch.cookie.Store(newCookie)
		if (oldCookie^newCookie)&(1<<16) != 0 {
			t.needCookieSync = true
		}
	}

	l.inactiveNext = t.inactive
	t.inactive = l

	return oldMask, newMask
}

// modify changes l's mask and returns the old and new effective mask of
// the descriptor. Requires the write lock.
func (t *fdTable) modify(l *ioLink, events api.EventMask) (oldMask, newMask api.EventMask) {
	ch := t.getChain(l.fd)
	oldMask = ch.computeEventMask()
	l.evmask.Store(uint32(events))
	newMask = ch.computeEventMask()
	return oldMask, newMask
}

// disconnectAll breaks every registration in the table. Runs under a
// read lock; the disconnects re-enter the dispatcher's write path.
func (t *fdTable) disconnectAll() bool {
	any := false
	tab := t.tab.Load()
	for n := range tab.entries {
		ch := tab.entries[n].Load()
		if ch == nil {
			continue
		}
		for {
			l := ch.active.Load()
			if l == nil {
				break
			}
			any = true
			l.disconnect()
		}
	}
	return any
}

// notify delivers events to the callbacks registered for fd, unless the
// chain's generation advanced past the caller's snapshot, in which case
// the events belong to a previous incarnation of the descriptor and are
// dropped.
func (t *fdTable) notify(fd int, events api.EventMask, callCookie uint32) {
	tab := t.tab.Load()
	if fd < 0 || fd >= len(tab.entries) {
		return
	}
	ch := tab.entries[fd].Load()
	if ch == nil {
		return
	}

	if delta := int32(ch.cookie.Load() - callCookie); delta > 0 {
		return
	}

	l := ch.active.Load()
	for l != nil {
		if mask := events & l.eventMask(); mask != 0 {
			l.fn(mask)
		}
		l = l.activeNext.Load()
	}
}

func (t *fdTable) getCreateChain(fd int) *fdChain {
	tab := t.tab.Load()
	if fd >= len(tab.entries) {
		tab = t.extend(tab, fd+1)
	}
	ch := tab.entries[fd].Load()
	if ch == nil {
		ch = &fdChain{}
		tab.entries[fd].Store(ch)
	}
	return ch
}

func (t *fdTable) getChain(fd int) *fdChain {
	tab := t.tab.Load()
	if fd >= len(tab.entries) {
		return nil
	}
	return tab.entries[fd].Load()
}

func (t *fdTable) extend(tab *fdTableArray, required int) *fdTableArray {
	capacity := len(tab.entries) * 2
	if capacity < required {
		capacity = required
	}
	newTab := newFdTableArray(capacity)
	for n := range tab.entries {
		newTab.entries[n].Store(tab.entries[n].Load())
	}
	newTab.old = tab
	t.tab.Store(newTab)
	return newTab
}

func (t *fdTable) dropOldArrays() {
	tab := t.tab.Load()
	tab.old = nil
}

// oldArrayCount reports how many superseded arrays await reclamation.
func (t *fdTable) oldArrayCount() int {
	n := 0
	for old := t.tab.Load().old; old != nil; old = old.old {
		n++
	}
	return n
}

// synchronize detaches all inactive links from their full lists, applies
// a pending cookie resync, and hands the detached links back so the
// caller can finalize them outside any lock. Requires a quiescent point.
func (t *fdTable) synchronize() *ioLink {
	t.dropOldArrays()
	tab := t.tab.Load()

	for l := t.inactive; l != nil; l = l.inactiveNext {
		ch := tab.entries[l.fd].Load()
		if l.prev != nil {
			l.prev.next = l.next
		} else {
			ch.first = l.next
		}
		if l.next != nil {
			l.next.prev = l.prev
		} else {
			ch.last = l.prev
		}
	}

	if t.needCookieSync {
		t.needCookieSync = false
		current := t.cookie.Load()
		for n := range tab.entries {
			if ch := tab.entries[n].Load(); ch != nil {
				ch.cookie.Store(current)
			}
		}
	}

	stale := t.inactive
	t.inactive = nil
	return stale
}
