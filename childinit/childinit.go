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

// Package childinit is the container init's bring-up sequence, run after
// the clone: gate synchronization, console takeover, the slave-to-"/"
// bind mount and pivot, mount/device/kmsg/identity setup, capability
// drop, user switch and the final exec of the payload.
//
// It is invoked from cmd/nsjump's hidden re-exec path (spawn.IsReexec),
// never directly from the cli.App action; the parent side lives in package
// spawn.
package childinit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/capset"
	"github.com/nestybox/sysbox-nspawn/devices"
	"github.com/nestybox/sysbox-nspawn/domain"
	"github.com/nestybox/sysbox-nspawn/identity"
	"github.com/nestybox/sysbox-nspawn/kmsgrelay"
	"github.com/nestybox/sysbox-nspawn/mountplan"
	"github.com/nestybox/sysbox-nspawn/nsconfig"
	"github.com/nestybox/sysbox-nspawn/veth"
)

// Request is the payload the parent writes to the config pipe (fd 3): the
// immutable configuration plus the bits of runtime state only the child can
// act on.
type Request struct {
	Config        domain.Config
	PtySlavePath  string
	ListenFdCount int
}

// launcherTag is the value the payload's "container" environment variable
// takes, matching the convention systemd reads via
// container_detect_virtualization.
const launcherTag = "nsjump"

// fixed fd numbers assigned by spawn.spawnChild's cmd.ExtraFiles ordering.
const (
	configFd  = 3
	gateFd    = 4
	kmsgFd    = 5
	listenFd0 = 6
)

// bootInitPaths is the fixed search list for boot-mode payloads.
var bootInitPaths = []string{
	"/usr/lib/systemd/systemd",
	"/lib/systemd/systemd",
	"/sbin/init",
}

// Run executes the full child bring-up sequence and, on success, never
// returns (it execs the payload). Any error is the caller's cue to exit
// non-zero, which the parent's waitid observes as a setup failure.
func Run() error {
	req, err := readRequest(configFd)
	if err != nil {
		return fmt.Errorf("childinit: read config: %w", err)
	}
	cfg := req.Config

	if err := waitGateClose(gateFd); err != nil {
		return fmt.Errorf("childinit: wait for gate pipe: %w", err)
	}
	unix.Close(gateFd)

	if _, err := unix.Setsid(); err != nil {
		logrus.Warnf("childinit: setsid: %v", err)
	}
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		logrus.Warnf("childinit: prctl PR_SET_PDEATHSIG: %v", err)
	}

	if err := takeConsole(req.PtySlavePath); err != nil {
		return fmt.Errorf("childinit: take console: %w", err)
	}

	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("childinit: make / slave+rec: %w", err)
	}

	if err := unix.Mount(cfg.RootDir, cfg.RootDir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("childinit: bind mount root onto itself: %w", err)
	}
	if cfg.ReadOnly {
		if err := unix.Mount("", cfg.RootDir, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("childinit: remount root read-only: %w", err)
		}
	}

	if err := bringUp(cfg, req.PtySlavePath); err != nil {
		return err
	}

	if err := pivot(cfg.RootDir); err != nil {
		return err
	}

	unix.Umask(0022)
	if cfg.PrivateNetwork {
		if err := veth.NewLoopback().Up(); err != nil {
			logrus.Warnf("childinit: loopback up: %v", err)
		}
	}

	if err := capset.New().DropBoundingExcept(cfg.RetainedCaps); err != nil {
		return fmt.Errorf("childinit: drop capabilities: %w", err)
	}

	ids, err := resolveUser(cfg.User)
	if err != nil {
		return fmt.Errorf("childinit: resolve user %q: %w", cfg.User, err)
	}
	if err := switchUser(ids); err != nil {
		return fmt.Errorf("childinit: switch user: %w", err)
	}

	if err := setHostname(cfg.MachineName); err != nil {
		logrus.Warnf("childinit: set hostname: %v", err)
	}

	env := buildEnv(cfg, ids, req.ListenFdCount)
	argv, err := selectArgv(cfg, fileExists)
	if err != nil {
		return fmt.Errorf("childinit: select payload: %w", err)
	}

	if req.ListenFdCount > 0 {
		for i := 0; i < req.ListenFdCount; i++ {
			if _, err := unix.FcntlInt(uintptr(listenFd0+i), unix.F_SETFD, 0); err != nil {
				logrus.Warnf("childinit: clear cloexec on listen fd %d: %v", listenFd0+i, err)
			}
		}
	}

	if cfg.BootMode {
		// boot mode execs the init candidate directly, argv[0] == that path.
	} else if len(cfg.Command) == 0 {
		if err := unix.Chdir(ids.home); err != nil {
			logrus.Warnf("childinit: chdir home %s: %v", ids.home, err)
		}
	}

	// The parent blocks the relay's signal set before the clone and the
	// mask survives execve; the payload must start with a clear one.
	var emptySet unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &emptySet, nil); err != nil {
		logrus.Warnf("childinit: reset signal mask: %v", err)
	}

	if err := syscall.Exec(argv[0], argv, env); err != nil {
		return fmt.Errorf("childinit: exec %s: %w", argv[0], err)
	}
	return nil
}

func readRequest(fd int) (*Request, error) {
	f := os.NewFile(uintptr(fd), "childinit-config")
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &req, nil
}

// waitGateClose blocks until the parent closes its end of the gate pipe,
// observed as POLLHUP on our read end. The close is the parent's signal
// that veth attachment and listen-fd handoff are finished.
func waitGateClose(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP}}
	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 && fds[0].Revents&unix.POLLHUP != 0 {
			return nil
		}
	}
}

// takeConsole opens the pty slave path directly (the container's mount
// namespace still shares the host's /dev/pts at this point), makes it fd
// 0/1/2 and claims it as our (now session-leader) controlling terminal.
func takeConsole(slavePath string) error {
	fd, err := unix.Open(slavePath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open pty slave %s: %w", slavePath, err)
	}
	for _, dst := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, dst); err != nil {
			return fmt.Errorf("dup2 console onto fd %d: %w", dst, err)
		}
	}
	if fd > 2 {
		unix.Close(fd)
	}
	if err := unix.IoctlSetInt(0, unix.TIOCSCTTY, 0); err != nil {
		logrus.Warnf("childinit: TIOCSCTTY: %v", err)
	}
	return nil
}

// bringUp runs the mount plan, device replication, kmsg relay and identity
// setup in order, under cfg.RootDir.
func bringUp(cfg domain.Config, slavePath string) error {
	plan := mountplan.New()
	entries := plan.StandardTable(nsconfig.HasSELinux())
	entries = append(entries, extraMountEntries(cfg.ExtraMounts)...)
	if err := plan.Apply(cfg.RootDir, entries); err != nil {
		return fmt.Errorf("childinit: mount plan: %w", err)
	}

	devProvisioner := devices.New()
	if err := devProvisioner.ProvisionStandardDevices(cfg.RootDir); err != nil {
		return fmt.Errorf("childinit: provision devices: %w", err)
	}
	if err := devProvisioner.ProvisionConsole(cfg.RootDir, slavePath); err != nil {
		return fmt.Errorf("childinit: provision console: %w", err)
	}

	kmsgSock := kmsgFd
	if err := kmsgrelay.New().Setup(cfg.RootDir, func(fd int) error {
		return kmsgrelay.SendFifoFd(kmsgSock, fd)
	}); err != nil {
		return fmt.Errorf("childinit: kmsg relay: %w", err)
	}
	unix.Close(kmsgSock)

	linker := identity.New()
	if err := linker.SetTimezone(cfg.RootDir); err != nil {
		logrus.Warnf("childinit: timezone: %v", err)
	}
	privateNetNoVeth := cfg.PrivateNetwork && len(cfg.VethPairs) == 0
	if err := linker.BindResolvConf(cfg.RootDir, privateNetNoVeth); err != nil {
		logrus.Warnf("childinit: resolv.conf: %v", err)
	}
	if err := linker.SpoofBootID(cfg.RootDir); err != nil {
		return fmt.Errorf("childinit: boot id: %w", err)
	}
	if err := linker.LinkJournal(cfg.RootDir, cfg.JournalLink); err != nil {
		return fmt.Errorf("childinit: journal link: %w", err)
	}

	return nil
}

func extraMountEntries(reqs []domain.BindMountRequest) []domain.MountEntry {
	out := make([]domain.MountEntry, 0, len(reqs))
	for _, r := range reqs {
		flags := uintptr(unix.MS_BIND)
		out = append(out, domain.MountEntry{Source: r.Source, Target: r.Dest, Flags: flags, Fatal: false})
		if r.ReadOnly {
			out = append(out, domain.MountEntry{Target: r.Dest, Flags: unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY, Fatal: false})
		}
	}
	return out
}

// pivot moves rootDir onto "/" and chroots into it.
func pivot(rootDir string) error {
	if err := unix.Chdir(rootDir); err != nil {
		return fmt.Errorf("childinit: chdir %s: %w", rootDir, err)
	}
	if err := unix.Mount(rootDir, "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("childinit: move root: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("childinit: chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("childinit: chdir /: %w", err)
	}
	return nil
}

// userIdentity is the resolved uid/gid/home/groups for the payload.
type userIdentity struct {
	uid, gid int
	home     string
	username string
	groups   []uint32
}

// resolveUser looks up name using the standard library's NSS-aware user
// package; by the time it runs we have already chrooted, so /etc/passwd
// and /etc/group resolve from the container, not the host.
func resolveUser(name string) (userIdentity, error) {
	if name == "" {
		return userIdentity{home: "/"}, nil
	}

	u, err := user.Lookup(name)
	if err != nil {
		return userIdentity{}, err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return userIdentity{}, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return userIdentity{}, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	if err := os.MkdirAll(u.HomeDir, 0755); err != nil {
		logrus.Warnf("childinit: create home %s: %v", u.HomeDir, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return userIdentity{}, fmt.Errorf("lookup supplementary groups: %w", err)
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(n))
	}

	return userIdentity{uid: uid, gid: gid, home: u.HomeDir, username: u.Username, groups: groups}, nil
}

// switchUser sets supplementary groups then gid then uid, in that order (a
// process that has already dropped uid 0 cannot set its groups).
func switchUser(ids userIdentity) error {
	if len(ids.groups) > 0 {
		if err := unix.Setgroups(int32Groups(ids.groups)); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	} else {
		_ = unix.Setgroups(nil)
	}

	if err := unix.Setresgid(ids.gid, ids.gid, ids.gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(ids.uid, ids.uid, ids.uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

func int32Groups(groups []uint32) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = int(g)
	}
	return out
}

func setHostname(name string) error {
	if name == "" {
		return nil
	}
	return unix.Sethostname([]byte(name))
}

// buildEnv assembles the payload's environment: the fixed set (PATH,
// container, TERM, HOME, USER, LOGNAME), the optional container_uuid and
// LISTEN_FDS/LISTEN_PID entries, then any --setenv additions.
func buildEnv(cfg domain.Config, ids userIdentity, listenFdCount int) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"container=" + launcherTag,
	}

	if term := os.Getenv("TERM"); term != "" {
		env = append(env, "TERM="+term)
	} else {
		env = append(env, "TERM=linux")
	}

	home := ids.home
	if home == "" {
		home = "/"
	}
	env = append(env, "HOME="+home)

	uname := ids.username
	if uname == "" {
		uname = "root"
	}
	env = append(env, "USER="+uname, "LOGNAME="+uname)

	if cfg.MachineUUID != "" {
		env = append(env, "container_uuid="+cfg.MachineUUID)
	}

	if listenFdCount > 0 {
		env = append(env,
			"LISTEN_FDS="+strconv.Itoa(listenFdCount),
			"LISTEN_PID="+strconv.Itoa(os.Getpid()),
		)
	}

	env = append(env, cfg.SetEnv...)

	return env
}

// selectArgv picks the payload argv: boot mode searches the fixed init
// list, command mode execs the named program, otherwise an interactive
// shell. exists is injected so the search can be unit tested without a
// real filesystem.
func selectArgv(cfg domain.Config, exists func(string) bool) ([]string, error) {
	if cfg.BootMode {
		for _, candidate := range bootInitPaths {
			if exists(candidate) {
				return append([]string{candidate}, cfg.Command...), nil
			}
		}
		return nil, fmt.Errorf("no init binary found among %v", bootInitPaths)
	}

	if len(cfg.Command) > 0 {
		return cfg.Command, nil
	}

	return []string{"/bin/sh"}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
