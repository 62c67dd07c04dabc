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

// Package capset computes and applies the container's capability bounding
// set: the payload keeps a fixed default set plus any capabilities named
// on the command line, and everything else is dropped before exec.
package capset

import (
	"fmt"
	"strings"

	"github.com/syndtr/gocapability/capability"

	"github.com/nestybox/sysbox-nspawn/domain"
)

// DefaultRetained is the capability set every container keeps, matching
// what systemd-nspawn retains for unprivileged payloads.
var DefaultRetained = []string{
	"CAP_AUDIT_WRITE",
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_FSETID",
	"CAP_KILL",
	"CAP_MKNOD",
	"CAP_NET_BIND_SERVICE",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETPCAP",
	"CAP_SETUID",
	"CAP_SYS_CHROOT",
	"CAP_SYS_PTRACE",
}

type capset struct{}

// New returns a domain.CapabilitySetIface.
func New() domain.CapabilitySetIface {
	return &capset{}
}

// Bits combines the default set with retained into a single deduplicated
// list of canonical CAP_* names, validating every name. The combined set is computed once at
// configuration time and never mutated afterwards.
func (c *capset) Bits(retained []string) ([]string, error) {
	seen := make(map[string]struct{}, len(DefaultRetained)+len(retained))
	for _, name := range DefaultRetained {
		seen[name] = struct{}{}
	}
	for _, name := range retained {
		cp, err := capNameTable.ToCap(name)
		if err != nil {
			return nil, fmt.Errorf("capset: %w", err)
		}
		seen["CAP_"+strings.ToUpper(cp.String())] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out, nil
}

// DropBoundingExcept clears every bounding-set capability not named in
// keep, for the calling (current) process.
func (c *capset) DropBoundingExcept(keep []string) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capset: load current capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capset: load current capabilities: %w", err)
	}

	keepSet := make(map[capability.Cap]struct{}, len(keep))
	for _, name := range keep {
		cp, err := capNameTable.ToCap(name)
		if err != nil {
			return fmt.Errorf("capset: %w", err)
		}
		keepSet[cp] = struct{}{}
	}

	caps.Clear(capability.BOUNDING)
	for cp := range keepSet {
		caps.Set(capability.BOUNDING, cp)
	}

	if err := caps.Apply(capability.BOUNDING); err != nil {
		return fmt.Errorf("capset: apply bounding set: %w", err)
	}

	return nil
}
