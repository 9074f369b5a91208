// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// fdtable_test.go — handler table contract: mask union computation,
// growth with deferred array reclamation, stale-cookie event drop.
package ioready

import (
	"testing"

	"github.com/momentics/tscb/api"
)

func newTestLink(fd int, mask api.EventMask, fn func(api.EventMask)) *ioLink {
	l := &ioLink{fn: fn, fd: fd}
	l.refcount.Store(1)
	l.evmask.Store(uint32(mask.Normalize()))
	return l
}

func TestFdTable_MaskIsUnion(t *testing.T) {
	var tab fdTable
	tab.init(8)

	in := newTestLink(3, api.IoReadyInput, func(api.EventMask) {})
	oldMask, newMask := tab.insert(in)
	if oldMask != api.IoReadyNone {
		t.Errorf("first insert: old mask %#x, want none", oldMask)
	}
	if newMask != api.IoReadyInput.Normalize() {
		t.Errorf("first insert: new mask %#x, want normalized input", newMask)
	}

	out := newTestLink(3, api.IoReadyOutput, func(api.EventMask) {})
	oldMask, newMask = tab.insert(out)
	if oldMask != api.IoReadyInput.Normalize() {
		t.Errorf("second insert: old mask %#x", oldMask)
	}
	want := api.IoReadyInput.Normalize() | api.IoReadyOutput
	if newMask != want {
		t.Errorf("second insert: new mask %#x, want %#x", newMask, want)
	}

	// dropping the input link leaves only the output interest
	oldMask, newMask = tab.remove(in)
	if oldMask != want {
		t.Errorf("remove: old mask %#x, want %#x", oldMask, want)
	}
	if newMask != api.IoReadyOutput.Normalize() {
		t.Errorf("remove: new mask %#x, want normalized output", newMask)
	}

	tab.synchronize()
}

func TestFdTable_NotifyFiltersByLinkMask(t *testing.T) {
	var tab fdTable
	tab.init(8)

	var got api.EventMask
	l := newTestLink(5, api.IoReadyInput, func(ev api.EventMask) { got |= ev })
	tab.insert(l)

	cookie := tab.cookieNow()
	tab.notify(5, api.IoReadyOutput, cookie)
	if got != 0 {
		t.Errorf("output-only event delivered to input watcher: %#x", got)
	}
	tab.notify(5, api.IoReadyInput|api.IoReadyOutput, cookie)
	if got != api.IoReadyInput {
		t.Errorf("delivered mask %#x, want input only", got)
	}

	// out-of-range and unregistered descriptors are ignored
	tab.notify(100, api.IoReadyInput, cookie)
	tab.notify(6, api.IoReadyInput, cookie)
}

// A descriptor whose chain is destroyed and recreated within the same
// dispatch window must not receive events observed for its previous
// incarnation.
func TestFdTable_StaleCookieDropsEvent(t *testing.T) {
	var tab fdTable
	tab.init(8)

	first := newTestLink(4, api.IoReadyInput, func(api.EventMask) {
		t.Error("callback of removed link invoked")
	})
	tab.insert(first)

	// a dispatcher snapshots the cookie before its kernel wait
	stale := tab.cookieNow()

	// the last registration for fd 4 disappears: the generation advances
	tab.remove(first)
	tab.synchronize()

	invoked := 0
	second := newTestLink(4, api.IoReadyInput, func(api.EventMask) { invoked++ })
	tab.insert(second)

	// event obtained under the old snapshot: must be dropped
	tab.notify(4, api.IoReadyInput, stale)
	if invoked != 0 {
		t.Errorf("stale event delivered to recreated chain %d times", invoked)
	}

	// a fresh snapshot delivers normally
	tab.notify(4, api.IoReadyInput, tab.cookieNow())
	if invoked != 1 {
		t.Errorf("fresh event delivered %d times, want 1", invoked)
	}
}

func TestFdTable_GrowReclaimsOldArrays(t *testing.T) {
	var tab fdTable
	tab.init(1)

	var links []*ioLink
	for _, fd := range []int{0, 3, 31, 63, 127} {
		l := newTestLink(fd, api.IoReadyInput, func(api.EventMask) {})
		tab.insert(l)
		links = append(links, l)
	}

	if tab.oldArrayCount() == 0 {
		t.Fatal("expected superseded arrays pending reclamation")
	}

	// every chain must have survived the copies
	cookie := tab.cookieNow()
	seen := 0
	for _, l := range links {
		l := l
		l.fn = func(api.EventMask) { seen++ }
		tab.notify(l.fd, api.IoReadyInput, cookie)
	}
	if seen != len(links) {
		t.Errorf("%d of %d chains delivered after growth", seen, len(links))
	}

	tab.synchronize()
	if n := tab.oldArrayCount(); n != 0 {
		t.Errorf("%d old arrays still queued after synchronize", n)
	}
}
