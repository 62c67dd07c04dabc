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

package nsconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Preflight runs the required preconditions before the launcher clones:
// effective uid 0, root path not "/", root contains /bin/sh, and the host
// cgroup v2 hierarchy is mounted.
func Preflight(rootDir string) error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("nsconfig: preflight: must run as root (effective uid 0)")
	}

	if filepath.Clean(rootDir) == "/" {
		return fmt.Errorf("nsconfig: preflight: root directory must not be \"/\"")
	}

	shPath := filepath.Join(rootDir, "/bin/sh")
	if _, err := os.Stat(shPath); err != nil {
		return fmt.Errorf("nsconfig: preflight: %s is required inside the container root: %w", shPath, err)
	}

	if !HasUnifiedCgroup() {
		return fmt.Errorf("nsconfig: preflight: host does not provide a cgroup v2 unified hierarchy")
	}

	return nil
}

// HasUnifiedCgroup reports whether the host mounts the cgroup v2 unified
// hierarchy, which cgroup placement depends on.
func HasUnifiedCgroup() bool {
	fi, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil && !fi.IsDir()
}

// HasSELinux reports whether the host has SELinux compiled in and mounted,
// feeding the mount plan's conditional /sys/fs/selinux bind entry.
func HasSELinux() bool {
	fi, err := os.Stat("/sys/fs/selinux")
	return err == nil && fi.IsDir()
}
