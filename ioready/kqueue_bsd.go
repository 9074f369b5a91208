//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// File: ioready/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kqueue(2) backend for BSD-derived systems. Input and output interest
// are separate kernel filters, so a mask change turns into per-filter
// EV_ADD / EV_DELETE deltas.

package ioready

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/tscb/api"
)

type kqueueBackend struct {
	kqfd int
}

// NewKqueueDispatcher creates a readiness dispatcher backed by kqueue.
func NewKqueueDispatcher() (Dispatcher, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("%w: kqueue: %w", api.ErrDispatcherUnavailable, err)
	}
	unix.CloseOnExec(kqfd)
	return newDispatcher(&kqueueBackend{kqfd: kqfd}), nil
}

// NewDispatcher creates the readiness dispatcher best suited for the
// platform; on BSD-derived systems that is kqueue.
func NewDispatcher() (Dispatcher, error) {
	return NewKqueueDispatcher()
}

func (b *kqueueBackend) apply(fd int, oldMask, newMask api.EventMask) error {
	var mods [2]unix.Kevent_t
	n := 0
	if (oldMask^newMask)&api.IoReadyOutput != 0 {
		flags := unix.EV_DELETE
		if newMask&api.IoReadyOutput != 0 {
			flags = unix.EV_ADD
		}
		unix.SetKevent(&mods[n], fd, unix.EVFILT_WRITE, flags)
		n++
	}
	if (oldMask^newMask)&api.IoReadyInput != 0 {
		flags := unix.EV_DELETE
		if newMask&api.IoReadyInput != 0 {
			flags = unix.EV_ADD
		}
		unix.SetKevent(&mods[n], fd, unix.EVFILT_READ, flags)
		n++
	}
	if n == 0 {
		return nil
	}
	zero := unix.Timespec{}
	_, err := unix.Kevent(b.kqfd, mods[:n], nil, &zero)
	return err
}

func kqueueEventToMask(ev *unix.Kevent_t) api.EventMask {
	e := api.IoReadyNone
	switch ev.Filter {
	case unix.EVFILT_READ:
		e = api.IoReadyInput
	case unix.EVFILT_WRITE:
		e = api.IoReadyOutput
	}
	// EOF and error flags fold into hangup/error and are visible to
	// input and output watchers alike
	if ev.Flags&unix.EV_EOF != 0 {
		e |= api.IoReadyInput | api.IoReadyOutput | api.IoReadyHangup | api.IoReadyError
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		e |= api.IoReadyInput | api.IoReadyOutput | api.IoReadyError
	}
	return e
}

func (b *kqueueBackend) wait(timeout *time.Duration, buf []kernelEvent) (int, error) {
	var ts *unix.Timespec
	if timeout != nil {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	events := make([]unix.Kevent_t, len(buf))
	n, err := unix.Kevent(b.kqfd, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent: %w", err)
	}
	for i := 0; i < n; i++ {
		buf[i] = kernelEvent{
			fd:     int(events[i].Ident),
			events: kqueueEventToMask(&events[i]),
		}
	}
	return n, nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kqfd)
}
