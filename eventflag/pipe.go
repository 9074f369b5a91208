// File: eventflag/pipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-pipe event flag. The flag state is a three-value atomic:
//
//	0 — clear
//	1 — set, no wake-up byte written
//	2 — set, one byte in the pipe (a waiter existed when it was set)
//
// Set compresses the common no-waiter case to a single atomic operation
// and only touches the pipe when a waiter might be sleeping in a kernel
// wait. Set performs no allocation and takes no mutex, so it is safe to
// call from signal-handler context.

package eventflag

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PipeFlag is the pipe-based event flag.
type PipeFlag struct {
	flagged atomic.Int32
	waiting atomic.Int32
	readFd  int
	writeFd int
}

// NewPipeFlag creates the flag and its control pipe.
func NewPipeFlag() (*PipeFlag, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("unable to create control pipe: %w", err)
	}
	return &PipeFlag{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd returns the read end of the control pipe so it can be registered
// with an io readiness dispatcher.
func (f *PipeFlag) ReadFd() int { return f.readFd }

// Close releases both pipe descriptors.
func (f *PipeFlag) Close() error {
	err1 := unix.Close(f.readFd)
	err2 := unix.Close(f.writeFd)
	if err1 != nil {
		return err1
	}
	return err2
}

// Set raises the flag. Async-signal-safe.
func (f *PipeFlag) Set() {
	// fast path if flag is already set
	if f.flagged.Load() != 0 {
		return
	}

	// only one setter can observe the 0->1 transition; anyone else
	// would cause spurious wakeups
	if !f.flagged.CompareAndSwap(0, 1) {
		return
	}

	// if no one was waiting before the transition there is no one to
	// wake up
	if f.waiting.Load() == 0 {
		return
	}

	// at least one waiter is (or was) sleeping; promote to state 2 and
	// post one byte, which Clear drains
	if !f.flagged.CompareAndSwap(1, 2) {
		return
	}

	var c [1]byte
	for {
		n, err := unix.Write(f.writeFd, c[:])
		if n == 1 {
			return
		}
		if err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return
		}
	}
}

// StartWaiting announces the caller is about to block on the flag. Must
// be paired with StopWaiting. Exposed so a dispatcher can bracket a
// kernel wait on the pipe's read end.
func (f *PipeFlag) StartWaiting() {
	f.waiting.Add(1)
}

// StopWaiting retracts a StartWaiting announcement.
func (f *PipeFlag) StopWaiting() {
	f.waiting.Add(-1)
}

// Flagged reports whether the flag is currently set.
func (f *PipeFlag) Flagged() bool {
	return f.flagged.Load() != 0
}

// Wait blocks until the flag is set.
func (f *PipeFlag) Wait() {
	if f.flagged.Load() != 0 {
		return
	}

	f.StartWaiting()
	if f.flagged.Load() == 0 {
		pfd := []unix.PollFd{{Fd: int32(f.readFd), Events: unix.POLLIN}}
		for {
			if _, err := unix.Poll(pfd, -1); err != nil && err != unix.EINTR {
				break
			}
			if pfd[0].Revents&unix.POLLIN != 0 {
				break
			}
		}
	}
	f.StopWaiting()
}

// Clear resets the flag, draining the wake-up byte if one was posted.
func (f *PipeFlag) Clear() {
	for {
		old := f.flagged.Load()
		if old == 0 {
			return
		}
		if f.flagged.CompareAndSwap(old, 0) {
			if old == 1 {
				return
			}
			break
		}
	}

	// state was 2: one byte is in the pipe, take it out
	var c [1]byte
	for {
		n, err := unix.Read(f.readFd, c[:])
		if n == 1 {
			return
		}
		if err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return
		}
	}
}
