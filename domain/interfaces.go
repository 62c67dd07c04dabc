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

package domain

import "os"

// MountEntry is one row of the mount plan.
type MountEntry struct {
	Source string
	Target string
	Fstype string
	Data   string
	Flags  uintptr
	Fatal  bool
}

// MountPlanIface applies an ordered mount table under a destination prefix.
type MountPlanIface interface {
	StandardTable(hostHasSelinux bool) []MountEntry
	Apply(prefix string, entries []MountEntry) error
}

// DeviceProvisionerIface replicates host device nodes into a container root.
type DeviceProvisionerIface interface {
	ProvisionStandardDevices(prefix string) error
	ProvisionConsole(prefix string, ptySlavePath string) error
}

// KmsgRelayIface sets up the container's /dev/kmsg -> /proc/kmsg plumbing
// and ships the FIFO read end out over a socket.
type KmsgRelayIface interface {
	Setup(prefix string, sendFd func(fd int) error) error
}

// IdentityLinkerIface groups the container's timezone, resolv.conf,
// boot-id and journal-link setup.
type IdentityLinkerIface interface {
	SetTimezone(prefix string) error
	BindResolvConf(prefix string, privateNetNoVeth bool) error
	SpoofBootID(prefix string) error
	LinkJournal(prefix string, mode JournalLinkMode) error
}

// CgroupPlacementIface creates/tears down the per-invocation cgroup.
type CgroupPlacementIface interface {
	Enter(extraControllers []string) (oldPath, newPath string, err error)
	Teardown(oldPath, newPath string) error
}

// CapabilitySetIface computes and applies the bounding-capability set.
type CapabilitySetIface interface {
	// Bits returns the combined default+retained capability bitset, by
	// canonical name (e.g. "CAP_NET_ADMIN").
	Bits(retained []string) ([]string, error)
	DropBoundingExcept(keep []string) error
}

// VethServiceIface creates veth pairs on the host and moves the peer into
// a child network namespace.
type VethServiceIface interface {
	CreatePairs(pairs []VethPair, childPid int) error
}

// LoopbackIface brings up the "lo" interface inside a fresh network
// namespace.
type LoopbackIface interface {
	Up() error
}

// PtyServiceIface allocates/operates the master side of the container pty.
type PtyServiceIface interface {
	Open() (masterFd int, slavePath string, err error)
	PropagateSize(masterFd int, from *os.File) error
}

// RelayIface runs the parent-side pty <-> caller tty I/O pump.
type RelayIface interface {
	Run(masterFd int, bootMode bool, childPid int, killSignal string) error
}

// SupervisorIface waits for the child and classifies its exit.
type SupervisorIface interface {
	Wait(pid int) (ExitClass, int, error)
}

// ExitClass is supervise's classification of a terminated child.
type ExitClass int

const (
	ExitSuccess ExitClass = iota
	ExitFailure
	ExitShutdown
	ExitReboot
	ExitUnknown
)
