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

// Package devices replicates a fixed set of device nodes from the host
// /dev into the container root, and wires up /dev/console from the
// allocated pty slave.
package devices

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-nspawn/domain"
)

// StandardDevices is the set of host device nodes replicated into every
// container.
var StandardDevices = []string{"null", "zero", "full", "random", "urandom", "tty", "ptmx"}

type provisioner struct{}

// New returns a domain.DeviceProvisionerIface.
func New() domain.DeviceProvisionerIface {
	return &provisioner{}
}

func (p *provisioner) ProvisionStandardDevices(prefix string) error {
	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)

	for _, name := range StandardDevices {
		hostPath := filepath.Join("/dev", name)

		var st unix.Stat_t
		if err := unix.Stat(hostPath, &st); err != nil {
			if err == unix.ENOENT {
				logrus.Debugf("devices: host %s absent, skipping", hostPath)
				continue
			}
			return fmt.Errorf("devices: stat %s: %w", hostPath, err)
		}

		if err := validateDeviceMode(st.Mode); err != nil {
			return fmt.Errorf("devices: %s: %w", hostPath, err)
		}

		destPath := filepath.Join(prefix, "dev", name)
		if err := unix.Mknod(destPath, st.Mode, int(st.Rdev)); err != nil {
			return fmt.Errorf("devices: mknod %s: %w", destPath, err)
		}
	}

	return nil
}

// validateDeviceMode rejects anything that isn't a character or block
// special file.
func validateDeviceMode(mode uint32) error {
	if mode&unix.S_IFMT != unix.S_IFCHR && mode&unix.S_IFMT != unix.S_IFBLK {
		return fmt.Errorf("not a character or block special file")
	}
	return nil
}

// ProvisionConsole creates /dev/console as a char device (major/minor are
// irrelevant, the bind mount below supersedes them) and bind-mounts the
// allocated pty slave over it.
func (p *provisioner) ProvisionConsole(prefix string, ptySlavePath string) error {
	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)

	consolePath := filepath.Join(prefix, "dev", "console")

	if err := unix.Mknod(consolePath, unix.S_IFCHR|0600, 0); err != nil && err != unix.EEXIST {
		return fmt.Errorf("devices: mknod console: %w", err)
	}

	if err := unix.Mount(ptySlavePath, consolePath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("devices: bind mount console from %s: %w", ptySlavePath, err)
	}

	return nil
}
