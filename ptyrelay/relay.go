//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// relay.go holds the parent-side relay loop: an edge-triggered,
// single-threaded I/O multiplexer between the caller's tty and the
// container's pty master, with a signalfd-driven control plane.
package ptyrelay

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

const bufSize = 64 * 1024

// sigrtmin is glibc's SIGRTMIN: the kernel's first real-time signal is 32,
// but the C library reserves 32 and 33 for its own threading internals, and
// in-container inits compute SIGRTMIN+3 against the glibc value.
const sigrtmin = unix.Signal(34)

// sizeofSignalfdSiginfo is the fixed record size signalfd reads deliver.
const sizeofSignalfdSiginfo = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// ringBuffer is a fixed-size FIFO byte buffer, one per relay direction.
type ringBuffer struct {
	data []byte
	fill int
}

func newRingBuffer() *ringBuffer { return &ringBuffer{data: make([]byte, bufSize)} }

func (b *ringBuffer) hasRoom() bool { return b.fill < len(b.data) }
func (b *ringBuffer) hasData() bool { return b.fill > 0 }

// fillFrom reads as much as fits into the buffer's free tail from fd.
func (b *ringBuffer) fillFrom(fd int) (int, error) {
	n, err := unix.Read(fd, b.data[b.fill:])
	if n > 0 {
		b.fill += n
	}
	return n, err
}

// drainTo writes the buffer's filled prefix to fd, sliding any remainder
// forward.
func (b *ringBuffer) drainTo(fd int) (int, error) {
	n, err := unix.Write(fd, b.data[:b.fill])
	if n > 0 {
		copy(b.data, b.data[n:b.fill])
		b.fill -= n
	}
	return n, err
}

type relay struct {
	killSignal unix.Signal
}

// NewRelay returns a domain.RelayIface.
func NewRelay() domain.RelayIface {
	return &relay{killSignal: sigrtmin + 3}
}

// Run implements the relay's event loop. It returns when the child has
// exited (SIGCHLD), the user has released the relay (second SIGTERM, or
// any SIGINT), or a fatal I/O error occurs.
func (r *relay) Run(masterFd int, bootMode bool, childPid int, killSignalName string) error {
	if sig, ok := parseSignalName(killSignalName); ok {
		r.killSignal = sig
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("ptyrelay: epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	sigfd, err := blockAndWatchSignals()
	if err != nil {
		return fmt.Errorf("ptyrelay: signalfd setup: %w", err)
	}
	defer unix.Close(sigfd)

	stdinFd := int(os.Stdin.Fd())
	stdoutFd := int(os.Stdout.Fd())

	_, termErr := unix.IoctlGetTermios(stdinFd, unix.TCGETS)
	stdinIsTTY := termErr == nil

	if stdinIsTTY {
		if err := epollAdd(epfd, stdinFd); err != nil {
			return fmt.Errorf("ptyrelay: watch stdin: %w", err)
		}
	}
	if err := epollAdd(epfd, stdoutFd); err != nil && err != unix.EPERM {
		return fmt.Errorf("ptyrelay: watch stdout: %w", err)
	}
	if err := epollAdd(epfd, masterFd); err != nil {
		return fmt.Errorf("ptyrelay: watch pty master: %w", err)
	}
	if err := epollAdd(epfd, sigfd); err != nil {
		return fmt.Errorf("ptyrelay: watch signalfd: %w", err)
	}

	var (
		stdinReadable  = stdinIsTTY
		stdoutWritable = true
		masterReadable = true
		masterWritable = true
		triedShutdown  = false
	)

	inBuf := newRingBuffer()  // caller -> master
	outBuf := newRingBuffer() // master -> caller

	events := make([]unix.EpollEvent, 8)

	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ptyrelay: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case stdinFd:
				stdinReadable = true
			case stdoutFd:
				stdoutWritable = true
			case masterFd:
				if events[i].Events&unix.EPOLLIN != 0 {
					masterReadable = true
				}
				if events[i].Events&unix.EPOLLOUT != 0 {
					masterWritable = true
				}
			case sigfd:
				done, err := r.handleSignals(sigfd, masterFd, bootMode, childPid, &triedShutdown)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}

		if err := drainTransfers(&stdinReadable, &stdoutWritable, &masterReadable, &masterWritable,
			inBuf, outBuf, stdinFd, stdoutFd, masterFd, stdinIsTTY); err != nil {
			return err
		}
	}
}

// drainTransfers runs the fixed-point transfer pass: while any productive
// pair is live, attempt one non-blocking read or write per direction,
// looping until none remain. The multiplexer is edge-triggered, so every
// ready descriptor must be drained to EAGAIN before returning to it. A
// transient error on one fd only disables that direction; anything else is
// relay-fatal and is returned so Run can terminate with failure.
func drainTransfers(
	stdinReadable, stdoutWritable, masterReadable, masterWritable *bool,
	inBuf, outBuf *ringBuffer,
	stdinFd, stdoutFd, masterFd int,
	stdinIsTTY bool,
) error {
	for progress := true; progress; {
		progress = false

		if stdinIsTTY && *stdinReadable && inBuf.hasRoom() {
			moved, err := transfer(stdinReadable, inBuf.fillFrom, stdinFd)
			if err != nil {
				return fmt.Errorf("ptyrelay: read stdin: %w", err)
			}
			progress = progress || moved
		}
		if *masterWritable && inBuf.hasData() {
			moved, err := transfer(masterWritable, inBuf.drainTo, masterFd)
			if err != nil {
				return fmt.Errorf("ptyrelay: write pty master: %w", err)
			}
			progress = progress || moved
		}
		if *masterReadable && outBuf.hasRoom() {
			moved, err := transfer(masterReadable, outBuf.fillFrom, masterFd)
			if err != nil {
				return fmt.Errorf("ptyrelay: read pty master: %w", err)
			}
			progress = progress || moved
		}
		if *stdoutWritable && outBuf.hasData() {
			moved, err := transfer(stdoutWritable, outBuf.drainTo, stdoutFd)
			if err != nil {
				return fmt.Errorf("ptyrelay: write stdout: %w", err)
			}
			progress = progress || moved
		}
	}
	return nil
}

// transfer performs one non-blocking read/write via op. A transient error
// clears *ready, disabling just that direction, and reports no progress
// and no error. Any other error is relay-fatal and is returned to the
// caller.
func transfer(ready *bool, op func(fd int) (int, error), fd int) (bool, error) {
	n, err := op(fd)
	if err != nil {
		if isTransient(err) {
			*ready = false
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		*ready = false
	}
	return n > 0, nil
}

// isTransient reports whether err only disables the direction that hit
// it, as opposed to tearing down the whole relay.
func isTransient(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EPIPE, unix.ECONNRESET, unix.EIO:
		return true
	default:
		return false
	}
}

// handleSignals consumes signalfd records until EAGAIN, since the signalfd
// is watched edge-triggered like the other descriptors. It reports true as
// soon as one of the signals ends the relay.
func (r *relay) handleSignals(sigfd, masterFd int, bootMode bool, childPid int, triedShutdown *bool) (bool, error) {
	var raw [sizeofSignalfdSiginfo]byte

	n, err := unix.Read(sigfd, raw[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("ptyrelay: read signalfd: %w", err)
	}
	if n < sizeofSignalfdSiginfo {
		return false, fmt.Errorf("ptyrelay: short read from signalfd (%d bytes)", n)
	}

	info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&raw[0]))

	switch unix.Signal(info.Signo) {
	case unix.SIGCHLD:
		return true, nil

	case unix.SIGWINCH:
		if err := r.propagateWinsize(masterFd); err != nil {
			logrus.Warnf("ptyrelay: propagate winsize: %v", err)
		}
		return r.handleSignals(sigfd, masterFd, bootMode, childPid, triedShutdown)

	case unix.SIGTERM:
		if bootMode && !*triedShutdown {
			*triedShutdown = true
			if err := unix.Kill(childPid, r.killSignal); err != nil {
				logrus.Warnf("ptyrelay: send orderly-shutdown signal: %v", err)
			}
			return r.handleSignals(sigfd, masterFd, bootMode, childPid, triedShutdown)
		}
		return true, nil

	case unix.SIGINT:
		return true, nil

	default:
		return true, nil
	}
}

func (r *relay) propagateWinsize(masterFd int) error {
	ws, err := unix.IoctlGetWinsize(int(os.Stdin.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return err
	}
	return unix.IoctlSetWinsize(masterFd, unix.TIOCSWINSZ, ws)
}

func epollAdd(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(fd),
	})
}

func parseSignalName(name string) (unix.Signal, bool) {
	switch name {
	case "", "SIGRTMIN+3":
		return sigrtmin + 3, true
	case "SIGTERM":
		return unix.SIGTERM, true
	case "SIGKILL":
		return unix.SIGKILL, true
	default:
		return 0, false
	}
}

// BlockSignals blocks the relay's signal set {SIGCHLD, SIGWINCH, SIGTERM,
// SIGINT} so the spawner can mask them before the clone. Blocking is
// idempotent; the relay re-applies it each run.
func BlockSignals() error {
	set := sigsetOf(unix.SIGCHLD, unix.SIGWINCH, unix.SIGTERM, unix.SIGINT)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return fmt.Errorf("ptyrelay: block signals: %w", err)
	}
	return nil
}

// blockAndWatchSignals blocks the relay's signal set and attaches a
// signalfd to observe them.
func blockAndWatchSignals() (int, error) {
	if err := BlockSignals(); err != nil {
		return -1, err
	}

	set := sigsetOf(unix.SIGCHLD, unix.SIGWINCH, unix.SIGTERM, unix.SIGINT)
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("signalfd: %w", err)
	}

	return fd, nil
}

// sigsetOf builds a Sigset_t containing exactly the given signals. Linux's
// sigset_t is a 1024-bit mask represented by x/sys/unix as 16 uint64 words.
func sigsetOf(signals ...unix.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, sig := range signals {
		bit := uint(sig) - 1
		set.Val[bit/64] |= 1 << (bit % 64)
	}
	return set
}
