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

// Package ptyrelay allocates the container's pseudo-terminal, manages the
// caller's termios, and pumps bytes between the caller's tty and the pty
// master (relay.go).
package ptyrelay

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

type ptyService struct{}

// New returns a domain.PtyServiceIface.
func New() domain.PtyServiceIface {
	return &ptyService{}
}

// Open allocates the pty master (posix_openpt equivalent), unlocks it and
// returns the slave path. The slave is never opened on the parent side;
// the container init opens it as its console.
func (p *ptyService) Open() (int, string, error) {
	master, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, "", fmt.Errorf("ptyrelay: open /dev/ptmx: %w", err)
	}

	var unlock int32
	if err := unix.IoctlSetPointerInt(master, unix.TIOCSPTLCK, int(unlock)); err != nil {
		unix.Close(master)
		return -1, "", fmt.Errorf("ptyrelay: unlockpt: %w", err)
	}

	n, err := unix.IoctlGetInt(master, unix.TIOCGPTN)
	if err != nil {
		unix.Close(master)
		return -1, "", fmt.Errorf("ptyrelay: ioctl TIOCGPTN: %w", err)
	}

	slavePath := "/dev/pts/" + strconv.Itoa(n)
	return master, slavePath, nil
}

// PropagateSize copies from's current window size onto the pty master.
func (p *ptyService) PropagateSize(masterFd int, from *os.File) error {
	ws, err := unix.IoctlGetWinsize(int(from.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return fmt.Errorf("ptyrelay: get window size: %w", err)
	}
	if err := unix.IoctlSetWinsize(masterFd, unix.TIOCSWINSZ, ws); err != nil {
		return fmt.Errorf("ptyrelay: set window size: %w", err)
	}
	return nil
}

// SavedTermios captures a terminal's settings so they can be restored
// unconditionally on every exit path.
type SavedTermios struct {
	fd      int
	termios unix.Termios
}

// Capture snapshots fd's current termios.
func Capture(fd int) (*SavedTermios, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("ptyrelay: capture termios: %w", err)
	}
	return &SavedTermios{fd: fd, termios: *t}, nil
}

// SetRaw puts fd into raw mode with echo disabled, mirroring cfmakeraw.
func SetRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("ptyrelay: get termios: %w", err)
	}

	raw := *t
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return fmt.Errorf("ptyrelay: set raw termios: %w", err)
	}
	return nil
}

// Restore reapplies the captured termios.
func (s *SavedTermios) Restore() error {
	if s == nil {
		return nil
	}
	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, &s.termios); err != nil {
		return fmt.Errorf("ptyrelay: restore termios: %w", err)
	}
	return nil
}
