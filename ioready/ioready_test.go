// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// ioready_test.go — dispatcher contract against real pipes: event
// delivery, mask modification, trigger wake-up, table growth under
// dispatch traffic.
package ioready

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/tscb/api"
)

func atomicOr32(v *atomic.Uint32, mask uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func mustPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func writeByte(t *testing.T, fd int) {
	t.Helper()
	if _, err := unix.Write(fd, []byte{0}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func drainByte(fd int) {
	var buf [1]byte
	unix.Read(fd, buf[:])
}

func TestDispatcher_PipeReadiness(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	rd, wr := mustPipe(t)
	defer unix.Close(rd)
	defer unix.Close(wr)

	var seen atomic.Uint32
	conn, err := d.Watch(func(ev api.EventMask) {
		atomicOr32(&seen, uint32(ev))
		drainByte(rd)
	}, rd, api.IoReadyInput)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeByte(t, wr)

	timeout := time.Second
	n, err := d.Dispatch(&timeout, 16)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 {
		t.Errorf("Dispatch processed %d events, want 1", n)
	}
	if api.EventMask(seen.Load())&api.IoReadyInput == 0 {
		t.Errorf("callback saw %#x, want input bit", seen.Load())
	}

	// an empty mask suspends notification without unregistering
	conn.Modify(api.IoReadyNone)
	writeByte(t, wr)

	seen.Store(0)
	timeout = 10 * time.Millisecond
	n, err = d.Dispatch(&timeout, 16)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 0 || seen.Load() != 0 {
		t.Errorf("suspended watch still delivered: n=%d mask=%#x", n, seen.Load())
	}

	// restoring the mask resumes delivery of the still-pending byte
	conn.Modify(api.IoReadyInput)
	timeout = time.Second
	n, err = d.Dispatch(&timeout, 16)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 || api.EventMask(seen.Load())&api.IoReadyInput == 0 {
		t.Errorf("resumed watch not delivered: n=%d mask=%#x", n, seen.Load())
	}

	conn.Disconnect()
	if conn.IsConnected() {
		t.Error("connection reports connected after disconnect")
	}
}

func TestDispatcher_WatchInvalidFd(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	if _, err := d.Watch(func(api.EventMask) {}, -1, api.IoReadyInput); err == nil {
		t.Error("expected error watching fd -1")
	}

	// a descriptor the kernel rejects rolls the registration back
	rd, wr := mustPipe(t)
	unix.Close(rd)
	unix.Close(wr)
	if _, err := d.Watch(func(api.EventMask) {}, rd, api.IoReadyInput); err == nil {
		t.Error("expected registration error for closed fd")
	}
}

func TestDispatcher_TriggerInterruptsWait(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	trigger, err := d.EventTrigger()
	if err != nil {
		t.Fatalf("EventTrigger: %v", err)
	}

	done := make(chan struct{})
	go func() {
		// no timeout: only the trigger can end this wait
		d.Dispatch(nil, 16)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	trigger.Set()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch not interrupted by trigger")
	}

	// the trigger is level for the next dispatch only
	timeout := 10 * time.Millisecond
	start := time.Now()
	d.Dispatch(&timeout, 16)
	if time.Since(start) < 5*time.Millisecond {
		t.Error("trigger reasserted itself across dispatch calls")
	}
}

// Registrations spread over a growing fd range while another goroutine
// dispatches: every callback sees its byte, and superseded tables are
// reclaimed at the next quiescent point.
func TestDispatcher_GrowUnderTraffic(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeout := 5 * time.Millisecond
		for {
			select {
			case <-stop:
				return
			default:
			}
			d.Dispatch(&timeout, 16)
		}
	}()

	// open enough pipes to force several table extensions
	const watchers = 40
	counts := make([]atomic.Int64, watchers)
	writeFds := make([]int, watchers)
	conns := make([]*Connection, watchers)
	for i := 0; i < watchers; i++ {
		rd, wr := mustPipe(t)
		defer unix.Close(rd)
		defer unix.Close(wr)
		writeFds[i] = wr

		i := i
		conn, err := d.Watch(func(ev api.EventMask) {
			counts[i].Add(1)
			drainByte(rd)
		}, rd, api.IoReadyInput)
		if err != nil {
			t.Fatalf("Watch %d: %v", i, err)
		}
		conns[i] = conn
		writeByte(t, wr)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for i := range counts {
			if counts[i].Load() == 0 {
				all = false
				break
			}
		}
		if all {
			break
		}
		time.Sleep(time.Millisecond)
	}
	for i := range counts {
		if counts[i].Load() == 0 {
			t.Errorf("watcher %d never received its event", i)
		}
	}

	close(stop)
	wg.Wait()

	for _, conn := range conns {
		conn.Disconnect()
	}

	// one more registration cycle forces a quiescent point; afterwards
	// no superseded table may remain queued
	rd, wr := mustPipe(t)
	defer unix.Close(rd)
	defer unix.Close(wr)
	conn, err := d.Watch(func(api.EventMask) {}, rd, api.IoReadyInput)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	conn.Disconnect()

	if n := d.(*dispatcher).fdtab.oldArrayCount(); n != 0 {
		t.Errorf("%d old fd tables still queued after synchronization", n)
	}
}

// After Disconnect returns, the callback must not run again on the
// disconnecting goroutine; another dispatching goroutine may deliver at
// most events observed before the disconnect.
func TestDispatcher_DisconnectStopsDelivery(t *testing.T) {
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Close()

	rd, wr := mustPipe(t)
	defer unix.Close(rd)
	defer unix.Close(wr)

	var count atomic.Int64
	conn, err := d.Watch(func(ev api.EventMask) {
		count.Add(1)
		drainByte(rd)
	}, rd, api.IoReadyInput)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timeout := 5 * time.Millisecond
		for {
			select {
			case <-stop:
				return
			default:
			}
			d.Dispatch(&timeout, 16)
		}
	}()

	writeByte(t, wr)
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.Load() == 0 {
		t.Fatal("event never delivered")
	}

	conn.Disconnect()
	// events arriving after the disconnect has been linearized and the
	// in-flight window has passed must not be delivered
	time.Sleep(20 * time.Millisecond)
	after := count.Load()
	writeByte(t, wr)
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != after {
		t.Errorf("callback ran %d times after disconnect settled", got-after)
	}

	close(stop)
	wg.Wait()
}
