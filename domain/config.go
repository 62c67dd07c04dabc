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

// Package domain holds the interfaces and immutable value types shared
// across the launcher's components, mirroring the service/interface split
// the rest of this code base follows: every component exposes a narrow
// interface here and an unexported implementation in its own package.
package domain

// JournalLinkMode selects how a container's journal is exposed on the host.
type JournalLinkMode int

const (
	JournalLinkNone JournalLinkMode = iota
	JournalLinkAuto
	JournalLinkHost
	JournalLinkGuest
)

func (m JournalLinkMode) String() string {
	switch m {
	case JournalLinkNone:
		return "no"
	case JournalLinkAuto:
		return "auto"
	case JournalLinkHost:
		return "host"
	case JournalLinkGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// VethPair is an (outer, inner) interface-name pair created on the host and
// moved into the container's network namespace.
type VethPair struct {
	Outer string
	Inner string
}

// Config is the container configuration, immutable once assembled by
// nsconfig.Build.
type Config struct {
	RootDir          string
	User             string
	ExtraControllers []string
	MachineUUID      string
	PrivateNetwork   bool
	VethPairs        []VethPair
	ReadOnly         bool
	BootMode         bool
	JournalLink      JournalLinkMode
	RetainedCaps     []string

	SetEnv      []string
	MachineName string
	KillSignal  string
	ExtraMounts []BindMountRequest

	// Command holds the positional arguments after PATH: in boot mode they
	// are passed to the init binary that is found; otherwise they are the
	// payload argv, and an empty Command runs an interactive /bin/sh.
	Command []string
}

// BindMountRequest is a user-supplied --bind/--bind-ro entry, appended to
// the mount plan after the standard entries.
type BindMountRequest struct {
	Source   string
	Dest     string
	ReadOnly bool
}

