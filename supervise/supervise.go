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

// Package supervise waits for the container's init process to terminate
// and classifies the exit, driving the reboot loop in package spawn.
package supervise

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

type supervisor struct{}

// New returns a domain.SupervisorIface.
func New() domain.SupervisorIface {
	return &supervisor{}
}

// Wait blocks until pid terminates and classifies the result.
func (s *supervisor) Wait(pid int) (domain.ExitClass, int, error) {
	var wstatus syscall.WaitStatus

	for {
		wpid, err := syscall.Wait4(pid, &wstatus, 0, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return domain.ExitUnknown, 0, fmt.Errorf("supervise: wait4 pid %d: %w", pid, err)
		}
		if wpid != pid {
			continue
		}
		return classify(wstatus), exitCode(wstatus), nil
	}
}

// classify maps a wait status onto the supervisor's exit classes: clean
// exit, non-zero exit, SIGINT shutdown, SIGHUP reboot request, or failure
// on any other signal.
func classify(wstatus syscall.WaitStatus) domain.ExitClass {
	switch {
	case wstatus.Exited() && wstatus.ExitStatus() == 0:
		return domain.ExitSuccess
	case wstatus.Exited():
		return domain.ExitFailure
	case wstatus.Signaled() && wstatus.Signal() == unix.SIGINT:
		return domain.ExitShutdown
	case wstatus.Signaled() && wstatus.Signal() == unix.SIGHUP:
		return domain.ExitReboot
	case wstatus.Signaled():
		return domain.ExitFailure
	default:
		return domain.ExitUnknown
	}
}

func exitCode(wstatus syscall.WaitStatus) int {
	if wstatus.Exited() {
		return wstatus.ExitStatus()
	}
	if wstatus.Signaled() {
		return 128 + int(wstatus.Signal())
	}
	return -1
}
