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

// Package spawn is the parent side of container bring-up: it clones the
// container's init process across a fresh set of namespaces, wires up the
// pty, kmsg fd transfer and veth pairs, then drives the relay and
// supervision loop including the SIGHUP reboot path. The child side of
// the clone re-execs into this same binary's hidden "nsjump-init" path,
// handled by package childinit.
package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	systemd "github.com/coreos/go-systemd/activation"
	sdnotify "github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/cgroup"
	"github.com/nestybox/sysbox-nspawn/domain"
	"github.com/nestybox/sysbox-nspawn/kmsgrelay"
	"github.com/nestybox/sysbox-nspawn/ptyrelay"
	"github.com/nestybox/sysbox-nspawn/supervise"
	"github.com/nestybox/sysbox-nspawn/veth"
)

// reexecArg is argv[1] the launcher looks for to dispatch into the child
// init path instead of the normal cli.App flow (cmd/nsjump/main.go checks
// os.Args before handing off to urfave/cli).
const reexecArg = "nsjump-init"

// childInit is the JSON payload written to the child's config pipe: the
// immutable configuration plus the runtime state only the child can act
// on. Field names, not the type name, are what childinit.Request
// unmarshals by.
type childInit struct {
	Config        domain.Config
	PtySlavePath  string
	ListenFdCount int
}

// Launcher drives one invocation of the launcher end to end, including
// the reboot loop.
type Launcher struct {
	cfg *domain.Config

	pty        domain.PtyServiceIface
	relay      domain.RelayIface
	supervisor domain.SupervisorIface
	vethSvc    domain.VethServiceIface
	cgroupSvc  domain.CgroupPlacementIface

	// listenFiles are the fds this launcher itself inherited via the
	// sd_listen_fds socket-activation protocol, collected once at New and
	// threaded into every spawned child's ExtraFiles.
	listenFiles []*os.File
}

// New builds a Launcher wired to the real implementations of each
// component interface, collecting any socket-activation fds the launcher
// process itself inherited.
func New(cfg *domain.Config) *Launcher {
	return &Launcher{
		cfg:         cfg,
		pty:         ptyrelay.New(),
		relay:       ptyrelay.NewRelay(),
		supervisor:  supervise.New(),
		vethSvc:     veth.New(),
		cgroupSvc:   cgroup.New(),
		listenFiles: systemd.Files(true),
	}
}

// Run executes the full parent-side lifecycle: pty/termios setup, cgroup
// placement, the clone+relay+supervise reboot loop, and teardown. It
// returns the process exit code to report to the caller.
func (l *Launcher) Run() (int, error) {
	stdinFd := int(os.Stdin.Fd())

	var saved *ptyrelay.SavedTermios
	if t, err := ptyrelay.Capture(stdinFd); err == nil {
		saved = t
	}
	defer func() {
		if saved != nil {
			if err := saved.Restore(); err != nil {
				logrus.Warnf("spawn: restore caller termios: %v", err)
			}
		}
	}()

	masterFd, slavePath, err := l.pty.Open()
	if err != nil {
		return 1, fmt.Errorf("spawn: allocate pty: %w", err)
	}
	defer unix.Close(masterFd)

	if saved != nil {
		if err := l.pty.PropagateSize(masterFd, os.Stdin); err != nil {
			logrus.Debugf("spawn: propagate initial window size: %v", err)
		}
		if err := ptyrelay.SetRaw(stdinFd); err != nil {
			logrus.Warnf("spawn: set caller terminal raw: %v", err)
		}
	}

	if err := ptyrelay.BlockSignals(); err != nil {
		return 1, err
	}

	oldCgroup, newCgroup, err := l.cgroupSvc.Enter(l.cfg.ExtraControllers)
	if err != nil {
		return 1, fmt.Errorf("spawn: cgroup placement: %w", err)
	}
	defer func() {
		if err := l.cgroupSvc.Teardown(oldCgroup, newCgroup); err != nil {
			logrus.Warnf("spawn: cgroup teardown: %v", err)
		}
	}()

	for {
		childPid, kmsgFd, err := l.spawnChild(masterFd, slavePath)
		if err != nil {
			return 1, fmt.Errorf("spawn: clone container init: %w", err)
		}

		if ok, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
			logrus.Debugf("spawn: sd_notify ready: %v", err)
		} else if ok {
			logrus.Debug("spawn: notified host service manager of readiness")
		}

		relayErr := l.relay.Run(masterFd, l.cfg.BootMode, childPid, l.cfg.KillSignal)
		if relayErr != nil {
			logrus.Warnf("spawn: relay terminated: %v", relayErr)
		}

		sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

		class, code, waitErr := l.supervisor.Wait(childPid)
		if kmsgFd >= 0 {
			unix.Close(kmsgFd)
		}
		if waitErr != nil {
			return 1, fmt.Errorf("spawn: wait for child: %w", waitErr)
		}

		if class == domain.ExitReboot {
			logrus.Infof("spawn: child %d rebooted (SIGHUP), re-entering bring-up", childPid)
			continue
		}

		if relayErr != nil {
			return 1, relayErr
		}

		switch class {
		case domain.ExitSuccess, domain.ExitShutdown:
			return 0, nil
		default:
			return code, nil
		}
	}
}

// spawnChild clones a fresh container init process across the configured
// namespaces, wires up the gate pipe and kmsg fd transfer, and releases the
// gate once veth pairs (if any) have been attached to the child's network
// namespace. It returns the child's pid and the received kmsg fd; holding
// that fd open is what keeps the unlinked FIFO's inode, and with it the
// container's /proc/kmsg, alive.
func (l *Launcher) spawnChild(masterFd int, slavePath string) (int, int, error) {
	configRead, configWrite, err := os.Pipe()
	if err != nil {
		return 0, -1, fmt.Errorf("create config pipe: %w", err)
	}
	defer configRead.Close()

	gateRead, gateWrite, err := os.Pipe()
	if err != nil {
		configWrite.Close()
		return 0, -1, fmt.Errorf("create gate pipe: %w", err)
	}
	defer gateRead.Close()

	kmsgParent, kmsgChild, err := socketpair()
	if err != nil {
		configWrite.Close()
		gateWrite.Close()
		return 0, -1, fmt.Errorf("create kmsg socketpair: %w", err)
	}
	defer kmsgChild.Close()

	cloneFlags := uintptr(unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWNS | unix.CLONE_NEWPID)
	if l.cfg.PrivateNetwork {
		cloneFlags |= unix.CLONE_NEWNET
	}

	cmd := exec.Command("/proc/self/exe", reexecArg)
	cmd.ExtraFiles = append([]*os.File{configRead, gateRead, kmsgChild}, l.listenFiles...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Pdeathsig:  unix.SIGKILL,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		configWrite.Close()
		gateWrite.Close()
		return 0, -1, fmt.Errorf("clone: %w", err)
	}
	childPid := cmd.Process.Pid

	payload, err := json.Marshal(childInit{
		Config:        *l.cfg,
		PtySlavePath:  slavePath,
		ListenFdCount: len(l.listenFiles),
	})
	if err != nil {
		gateWrite.Close()
		return childPid, -1, fmt.Errorf("encode child config: %w", err)
	}
	if _, err := configWrite.Write(payload); err != nil {
		gateWrite.Close()
		return childPid, -1, fmt.Errorf("write child config: %w", err)
	}
	configWrite.Close()

	if len(l.cfg.VethPairs) > 0 {
		if err := l.vethSvc.CreatePairs(l.cfg.VethPairs, childPid); err != nil {
			gateWrite.Close()
			return childPid, -1, fmt.Errorf("attach veth pairs: %w", err)
		}
	}

	gateWrite.Close()

	kmsgFd, err := kmsgrelay.RecvFifoFd(int(kmsgParent.Fd()))
	kmsgParent.Close()
	if err != nil {
		logrus.Warnf("spawn: receive kmsg fd from child: %v", err)
		return childPid, -1, nil
	}

	return childPid, kmsgFd, nil
}

func socketpair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "kmsg-parent"), os.NewFile(uintptr(fds[1]), "kmsg-child"), nil
}

// IsReexec reports whether argv requests the hidden child-init path.
func IsReexec(args []string) bool {
	return len(args) > 0 && args[0] == reexecArg
}
