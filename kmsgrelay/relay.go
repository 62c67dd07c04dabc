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

// Package kmsgrelay wires up the container's kernel-log plumbing: a FIFO
// at container /dev/kmsg, bind-mounted onto /proc/kmsg, whose read end is
// shipped to the parent over a Unix datagram socket via SCM_RIGHTS.
package kmsgrelay

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

type relay struct{}

// New returns a domain.KmsgRelayIface.
func New() domain.KmsgRelayIface {
	return &relay{}
}

// Setup creates the FIFO, bind-mounts it over /proc/kmsg, opens the read
// end and passes it to sendFd (the child's end of the kmsg socketpair).
// The FIFO file is unlinked immediately after so the payload cannot open
// /dev/kmsg for writing; the kernel keeps the inode alive via the fd the
// parent now holds.
func (r *relay) Setup(prefix string, sendFd func(fd int) error) error {
	kmsgPath := filepath.Join(prefix, "dev", "kmsg")
	procKmsgPath := filepath.Join(prefix, "proc", "kmsg")

	if err := unix.Mkfifo(kmsgPath, 0600); err != nil {
		return fmt.Errorf("kmsgrelay: mkfifo %s: %w", kmsgPath, err)
	}

	if err := unix.Mount(kmsgPath, procKmsgPath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("kmsgrelay: bind %s onto %s: %w", kmsgPath, procKmsgPath, err)
	}

	fd, err := unix.Open(kmsgPath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("kmsgrelay: open %s: %w", kmsgPath, err)
	}

	sendErr := sendFd(fd)
	_ = unix.Close(fd)
	if sendErr != nil {
		return fmt.Errorf("kmsgrelay: send fd over socket: %w", sendErr)
	}

	if err := unix.Unlink(kmsgPath); err != nil {
		return fmt.Errorf("kmsgrelay: unlink %s: %w", kmsgPath, err)
	}

	return nil
}

// SendFifoFd sends fd as ancillary SCM_RIGHTS data over sock, the transport
// the child uses to hand its open kmsg-read descriptor to the parent.
func SendFifoFd(sock int, fd int) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(sock, nil, rights, nil, 0)
}

// RecvFifoFd receives a single fd sent by SendFifoFd, the parent-side half
// of the kmsg fd transfer.
func RecvFifoFd(sock int) (int, error) {
	buf := make([]byte, unix.CmsgSpace(4))

	_, _, _, _, err := unix.Recvmsg(sock, nil, buf, 0)
	if err != nil {
		return -1, fmt.Errorf("kmsgrelay: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(buf)
	if err != nil {
		return -1, fmt.Errorf("kmsgrelay: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return -1, fmt.Errorf("kmsgrelay: no control message received")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return -1, fmt.Errorf("kmsgrelay: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		return -1, fmt.Errorf("kmsgrelay: expected exactly one fd, got %d", len(fds))
	}

	return fds[0], nil
}
