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

package veth

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/nestybox/sysbox-nspawn/domain"
)

type loopback struct{}

// NewLoopback returns a domain.LoopbackIface, used by the container init
// once it sits inside its own net namespace.
func NewLoopback() domain.LoopbackIface {
	return &loopback{}
}

// Up brings the current network namespace's "lo" interface up, the same
// netlink primitive CreatePairs uses for the veth pairs.
func (l *loopback) Up() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("veth: lookup loopback: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("veth: set loopback up: %w", err)
	}
	return nil
}
