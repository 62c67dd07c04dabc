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

// Package cgroup creates a per-invocation cgroup under the launcher's
// current cgroup, attaches any requested extra controllers, and
// reattaches/tears down on exit.
package cgroup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/sysbox-nspawn/domain"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupProcs  = "cgroup.procs"
	selfCgroup   = "/proc/self/cgroup"
	defaultHier  = "" // unified (cgroup v2) hierarchy has no controller name
	killWaitProc = "cgroup.kill"
)

type placement struct{}

// New returns a domain.CgroupPlacementIface.
func New() domain.CgroupPlacementIface {
	return &placement{}
}

// currentCgroup reads this process's cgroup path for the default (unified)
// hierarchy out of /proc/self/cgroup, the same file sysbox-runc and every
// other cgroup-aware tool in the corpus parses.
func currentCgroup() (string, error) {
	f, err := os.Open(selfCgroup)
	if err != nil {
		return "", fmt.Errorf("cgroup: open %s: %w", selfCgroup, err)
	}
	defer f.Close()

	return parseSelfCgroup(f)
}

func parseSelfCgroup(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		// cgroup v2 unified hierarchy is reported as "0::<path>".
		if parts[0] == "0" && parts[1] == "" {
			return parts[2], nil
		}
	}
	return "", fmt.Errorf("cgroup: no unified hierarchy entry found in %s", selfCgroup)
}

// Enter creates "<old>/nspawn-<pid>" under the default hierarchy plus each
// extra controller, and moves the current process into it.
func (p *placement) Enter(extraControllers []string) (string, string, error) {
	old, err := currentCgroup()
	if err != nil {
		return "", "", err
	}

	newPath := filepath.Join(old, fmt.Sprintf("nspawn-%d", os.Getpid()))

	if err := createAndJoin(defaultHier, newPath); err != nil {
		return "", "", fmt.Errorf("cgroup: join default hierarchy: %w", err)
	}

	for _, ctrl := range dedup(extraControllers) {
		if err := createAndJoin(ctrl, newPath); err != nil {
			logrus.Warnf("cgroup: attach extra controller %q failed: %v", ctrl, err)
		}
	}

	return old, newPath, nil
}

func createAndJoin(controller, path string) error {
	base := cgroupRoot
	if controller != "" {
		base = filepath.Join(cgroupRoot, controller)
	}

	full := filepath.Join(base, path)
	if err := os.MkdirAll(full, 0755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(full, cgroupProcs), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Teardown reattaches the launcher to oldPath and kills newPath's members,
// waiting up to one second for the cgroup to become unpopulated before
// removing it.
func (p *placement) Teardown(oldPath, newPath string) error {
	if err := os.WriteFile(
		filepath.Join(cgroupRoot, oldPath, cgroupProcs),
		[]byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("cgroup: reattach to %s: %w", oldPath, err)
	}

	killPath := filepath.Join(cgroupRoot, newPath, killWaitProc)
	if err := os.WriteFile(killPath, []byte("1"), 0644); err != nil {
		logrus.Warnf("cgroup: kill %s: %v (kernel may lack cgroup.kill; falling back to rmdir)", newPath, err)
	}

	// cgroup.kill only queues SIGKILL; cgroup.events reports "populated 0"
	// once no process is left in newPath or any of its descendants.
	eventsPath := filepath.Join(cgroupRoot, newPath, "cgroup.events")
	for i := 0; i < 100; i++ {
		events, err := os.ReadFile(eventsPath)
		if err != nil || strings.Contains(string(events), "populated 0") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := os.Remove(filepath.Join(cgroupRoot, newPath)); err != nil {
		logrus.Warnf("cgroup: remove %s: %v", newPath, err)
	}

	return nil
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
