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

// Package identity gives each container its own identity surface: boot-id
// spoofing, timezone symlink replacement, resolv.conf bind mount and
// journal linking.
package identity

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
	"github.com/nestybox/sysbox-nspawn/ioservice"
)

const (
	hostLocaltime  = "/etc/localtime"
	zoneinfoMarker = "/usr/share/zoneinfo/"
	hostResolvConf = "/etc/resolv.conf"
	bootIDPath     = "proc/sys/kernel/random/boot_id"
	machineIDPath  = "etc/machine-id"
	journalDirBase = "/var/log/journal"
)

type linker struct {
	io *ioservice.Service
}

// New returns a domain.IdentityLinkerIface backed by the real filesystem.
func New() domain.IdentityLinkerIface {
	return &linker{io: ioservice.NewOsService()}
}

// NewWithService allows tests to inject an in-memory ioservice.Service.
func NewWithService(svc *ioservice.Service) domain.IdentityLinkerIface {
	return &linker{io: svc}
}

// SetTimezone replaces the container's /etc/localtime with a relative
// symlink into its own zoneinfo tree, mirroring the host's zone, if the
// container carries that zone file. Non-fatal: warns and continues.
func (l *linker) SetTimezone(prefix string) error {
	zone, ok := hostTimezone(l.io)
	if !ok {
		logrus.Warn("identity: host /etc/localtime is not a zoneinfo symlink, leaving container timezone untouched")
		return nil
	}

	guestZoneFile := filepath.Join(prefix, "usr", "share", "zoneinfo", zone)
	if exists, _ := l.io.Exists(guestZoneFile); !exists {
		logrus.Warnf("identity: container lacks zoneinfo for %s, leaving timezone untouched", zone)
		return nil
	}

	guestLocaltime := filepath.Join(prefix, "etc", "localtime")
	_ = l.io.Remove(guestLocaltime)

	relTarget := filepath.Join("..", "usr", "share", "zoneinfo", zone)
	if err := l.io.Symlink(relTarget, guestLocaltime); err != nil {
		logrus.Warnf("identity: symlink %s -> %s: %v", guestLocaltime, relTarget, err)
	}

	return nil
}

// hostTimezone extracts the zone name (e.g. "America/New_York") from the
// host's /etc/localtime symlink target, if it points into a zoneinfo tree.
func hostTimezone(io *ioservice.Service) (string, bool) {
	target, err := io.Readlink(hostLocaltime)
	if err != nil {
		return "", false
	}
	return parseZoneinfoTarget(target)
}

// parseZoneinfoTarget extracts the zone name out of a symlink target such
// as "/usr/share/zoneinfo/America/New_York".
func parseZoneinfoTarget(target string) (string, bool) {
	idx := strings.Index(target, zoneinfoMarker)
	if idx < 0 {
		return "", false
	}

	zone := target[idx+len(zoneinfoMarker):]
	if zone == "" {
		return "", false
	}

	return zone, true
}

// BindResolvConf bind-mounts the host's resolv.conf read-only over the
// container's, unless private networking with no veth pair was requested
// (in which case the container has no DNS-relevant network at all).
func (l *linker) BindResolvConf(prefix string, privateNetNoVeth bool) error {
	if privateNetNoVeth {
		return nil
	}

	dst := filepath.Join(prefix, "etc", "resolv.conf")
	if err := unix.Mount(hostResolvConf, dst, "", unix.MS_BIND, ""); err != nil {
		logrus.Warnf("identity: bind resolv.conf: %v", err)
		return nil
	}
	if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		logrus.Warnf("identity: remount resolv.conf ro: %v", err)
	}

	return nil
}

// SpoofBootID writes a fresh random UUID to a container scratch file, bind
// mounts it read-only over /proc/sys/kernel/random/boot_id, then unlinks
// the scratch file (the bind mount keeps it alive).
func (l *linker) SpoofBootID(prefix string) error {
	id := uuid.New().String()

	scratch := filepath.Join(prefix, "dev", ".boot_id")
	if err := l.io.WriteFile(scratch, []byte(id+"\n"), 0444); err != nil {
		return fmt.Errorf("identity: write boot-id scratch file: %w", err)
	}

	dst := filepath.Join(prefix, bootIDPath)
	if err := unix.Mount(scratch, dst, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("identity: bind boot-id: %w", err)
	}
	if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		logrus.Warnf("identity: remount boot_id ro: %v", err)
	}

	if err := l.io.Remove(scratch); err != nil {
		logrus.Warnf("identity: unlink boot-id scratch file: %v", err)
	}

	return nil
}

// LinkJournal exposes the container's journal on the host (or vice versa)
// according to mode: none does nothing, auto links only what already
// exists, host binds a host directory into the guest, guest symlinks the
// host path at the guest directory.
func (l *linker) LinkJournal(prefix string, mode domain.JournalLinkMode) error {
	if mode == domain.JournalLinkNone {
		return nil
	}

	raw, err := l.io.ReadFile(filepath.Join(prefix, machineIDPath))
	if err != nil {
		if mode == domain.JournalLinkAuto {
			return nil
		}
		return fmt.Errorf("identity: read machine-id: %w", err)
	}

	id := strings.TrimSpace(string(raw))
	if err := validateMachineID(id); err != nil {
		if mode == domain.JournalLinkAuto {
			return nil
		}
		return fmt.Errorf("identity: %w", err)
	}

	hostPath := filepath.Join(journalDirBase, id)
	guestPath := filepath.Join(prefix, "var", "log", "journal", id)

	if isMountPoint(hostPath) || isMountPoint(guestPath) {
		if mode == domain.JournalLinkAuto {
			return nil
		}
		return fmt.Errorf("identity: journal path already a mount point")
	}

	switch mode {
	case domain.JournalLinkAuto:
		return l.linkJournalAuto(hostPath, guestPath)
	case domain.JournalLinkHost:
		return l.linkJournalHost(hostPath, guestPath)
	case domain.JournalLinkGuest:
		return l.linkJournalGuest(hostPath, guestPath)
	default:
		return fmt.Errorf("identity: unknown journal-link mode %v", mode)
	}
}

func (l *linker) linkJournalAuto(hostPath, guestPath string) error {
	isDir, _ := l.io.IsDir(hostPath)
	if isDir {
		return l.bindJournal(hostPath, guestPath)
	}

	target, err := l.io.Readlink(hostPath)
	if err == nil && target == guestPath {
		return l.io.MkdirAll(guestPath, 0755)
	}

	return nil
}

func (l *linker) linkJournalHost(hostPath, guestPath string) error {
	exists, _ := l.io.IsDir(guestPath)
	if exists {
		entries, err := entryCount(l.io, guestPath)
		if err == nil && entries > 0 {
			return fmt.Errorf("identity: journal guest path %s must be empty", guestPath)
		}
	}

	if err := l.io.MkdirAll(hostPath, 0755); err != nil {
		return fmt.Errorf("identity: mkdir journal host path: %w", err)
	}

	return l.bindJournal(hostPath, guestPath)
}

func (l *linker) linkJournalGuest(hostPath, guestPath string) error {
	_ = l.io.Remove(hostPath)

	if err := l.io.Symlink(guestPath, hostPath); err != nil {
		return fmt.Errorf("identity: symlink journal host->guest: %w", err)
	}

	return l.io.MkdirAll(guestPath, 0755)
}

func (l *linker) bindJournal(hostPath, guestPath string) error {
	if err := l.io.MkdirAll(guestPath, 0755); err != nil {
		return fmt.Errorf("identity: mkdir journal guest path: %w", err)
	}
	if err := unix.Mount(hostPath, guestPath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("identity: bind journal: %w", err)
	}
	return nil
}

// validateMachineID checks that id is a 128-bit hex id the way
// /etc/machine-id is formatted (32 lowercase hex chars, no dashes).
func validateMachineID(id string) error {
	if len(id) != 32 {
		return fmt.Errorf("machine-id %q is not 32 characters", id)
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return fmt.Errorf("machine-id %q is not lowercase hex", id)
		}
	}
	return nil
}

// isMountPoint reports whether path is a mount point by comparing the
// device numbers of path and its parent.
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

func entryCount(io *ioservice.Service, dir string) (int, error) {
	infos, err := io.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}
