//go:build linux

// File: ioready/epoll_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) backend. All subscription operations are O(1) in the
// number of watched descriptors.

package ioready

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/tscb/api"
)

type epollBackend struct {
	epfd int
}

// NewEpollDispatcher creates a readiness dispatcher backed by epoll.
func NewEpollDispatcher() (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %w", api.ErrDispatcherUnavailable, err)
	}
	return newDispatcher(&epollBackend{epfd: epfd}), nil
}

// NewDispatcher creates the readiness dispatcher best suited for the
// platform; on Linux that is epoll.
func NewDispatcher() (Dispatcher, error) {
	return NewEpollDispatcher()
}

func epollMaskToKernel(events api.EventMask) uint32 {
	var e uint32
	if events&api.IoReadyInput != 0 {
		e |= unix.EPOLLIN
	}
	if events&api.IoReadyOutput != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollKernelToMask(ev uint32) api.EventMask {
	e := api.IoReadyNone
	if ev&unix.EPOLLIN != 0 {
		e |= api.IoReadyInput
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= api.IoReadyOutput
	}
	// hangup and error conditions are reported to input and output
	// watchers as well, so a reader learns about a closed peer even if
	// it never asked for hangup explicitly
	if ev&unix.EPOLLHUP != 0 {
		e |= api.IoReadyInput | api.IoReadyOutput | api.IoReadyHangup | api.IoReadyError
	}
	if ev&unix.EPOLLERR != 0 {
		e |= api.IoReadyInput | api.IoReadyOutput | api.IoReadyError
	}
	return e
}

func (b *epollBackend) apply(fd int, oldMask, newMask api.EventMask) error {
	if newMask != api.IoReadyNone {
		ev := unix.EpollEvent{Events: epollMaskToKernel(newMask), Fd: int32(fd)}
		op := unix.EPOLL_CTL_ADD
		if oldMask != api.IoReadyNone {
			op = unix.EPOLL_CTL_MOD
		}
		return unix.EpollCtl(b.epfd, op, fd, &ev)
	}
	if oldMask != api.IoReadyNone {
		return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return nil
}

func (b *epollBackend) wait(timeout *time.Duration, buf []kernelEvent) (int, error) {
	events := make([]unix.EpollEvent, len(buf))
	n, err := unix.EpollWait(b.epfd, events, durationToMsec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		buf[i] = kernelEvent{
			fd:     int(events[i].Fd),
			events: epollKernelToMask(events[i].Events),
		}
	}
	return n, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
