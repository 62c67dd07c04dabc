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

// Package mountplan applies an ordered table of mount operations under a
// destination prefix, tolerating already-mounted points and treating some
// entries as fatal.
//
// The "already mounted" lookup is kept in an immutable radix tree, so
// repeated Apply calls on the same executor see a consistent, append-only
// view of what it has mounted so far.
package mountplan

import (
	"fmt"
	"os"
	"path/filepath"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

type executor struct {
	applied *iradix.Tree
}

// New returns a domain.MountPlanIface backed by the real mount(2) syscall.
func New() domain.MountPlanIface {
	return &executor{applied: iradix.New()}
}

// StandardTable returns the fixed mount table applied to every container.
func (e *executor) StandardTable(hostHasSelinux bool) []domain.MountEntry {
	table := []domain.MountEntry{
		{Source: "proc", Target: "/proc", Fstype: "proc", Flags: unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, Fatal: true},
		{Source: "/proc/sys", Target: "/proc/sys", Flags: unix.MS_BIND, Fatal: false},
		{Source: "", Target: "/proc/sys", Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, Fatal: false},
		{Source: "sysfs", Target: "/sys", Fstype: "sysfs", Flags: unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, Fatal: true},
		{Source: "tmpfs", Target: "/dev", Fstype: "tmpfs", Data: "mode=755", Flags: unix.MS_NOSUID | unix.MS_STRICTATIME, Fatal: true},
		{Source: "/dev/pts", Target: "/dev/pts", Flags: unix.MS_BIND, Fatal: false},
		{Source: "tmpfs", Target: "/dev/shm", Fstype: "tmpfs", Data: "mode=1777", Flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_STRICTATIME, Fatal: false},
		{Source: "tmpfs", Target: "/run", Fstype: "tmpfs", Data: "mode=755", Flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_STRICTATIME, Fatal: false},
	}

	if hostHasSelinux {
		table = append(table,
			domain.MountEntry{Source: "/sys/fs/selinux", Target: "/sys/fs/selinux", Flags: unix.MS_BIND, Fatal: false},
			domain.MountEntry{Source: "", Target: "/sys/fs/selinux", Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, Fatal: false},
		)
	}

	return table
}

// Apply runs each entry in order under prefix. A failure on a fatal entry is
// returned as the first error; non-fatal failures are logged and execution
// continues.
func (e *executor) Apply(prefix string, entries []domain.MountEntry) error {
	var firstErr error

	for _, ent := range entries {
		target := filepath.Join(prefix, ent.Target)

		if ent.Source != "" && e.isAlreadyMounted(target) {
			continue
		}

		if err := os.MkdirAll(target, 0755); err != nil {
			if firstErr == nil && ent.Fatal {
				firstErr = fmt.Errorf("mountplan: mkdir %s: %w", target, err)
				break
			}
			logrus.Warnf("mountplan: mkdir %s: %v", target, err)
			continue
		}

		if err := unix.Mount(ent.Source, target, ent.Fstype, ent.Flags, ent.Data); err != nil {
			if ent.Fatal {
				firstErr = fmt.Errorf("mountplan: mount %s on %s: %w", ent.Fstype, target, err)
				break
			}
			logrus.Warnf("mountplan: non-fatal mount %s on %s failed: %v", ent.Fstype, target, err)
			continue
		}

		e.applied, _, _ = e.applied.Insert([]byte(target), struct{}{})
	}

	return firstErr
}

func (e *executor) isAlreadyMounted(target string) bool {
	if _, ok := e.applied.Get([]byte(target)); ok {
		return true
	}
	return isMountPoint(target)
}

// isMountPoint reports whether path is itself a mountpoint, by comparing its
// device number against its parent's (the same technique used throughout
// the corpus, e.g. moby/pkg/system's mount-point detection).
func isMountPoint(path string) bool {
	var st, pst unix.Stat_t

	if err := unix.Lstat(path, &st); err != nil {
		return false
	}
	if err := unix.Lstat(filepath.Dir(path), &pst); err != nil {
		return false
	}

	return st.Dev != pst.Dev
}
