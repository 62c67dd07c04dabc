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

// Package veth creates the host side of each --network-if pair and moves
// the container-side peer into the child's network namespace. Interfaces
// are driven through netlink directly rather than shelling out to "ip",
// so every failure surfaces as a real error instead of an unchecked exit
// status.
package veth

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/nestybox/sysbox-nspawn/domain"
)

// MaxPairs caps how often --network-if may repeat.
const MaxPairs = 16

type service struct{}

// New returns a domain.VethServiceIface.
func New() domain.VethServiceIface {
	return &service{}
}

// CreatePairs creates each of pairs (outer, inner) on the host and moves
// inner into the network namespace of childPid.
func (s *service) CreatePairs(pairs []domain.VethPair, childPid int) error {
	if len(pairs) > MaxPairs {
		return fmt.Errorf("veth: %d pairs exceeds the %d-pair limit", len(pairs), MaxPairs)
	}

	for i := 0; i < len(pairs); i++ {
		p := pairs[i]

		link := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: p.Outer},
			PeerName:  p.Inner,
		}

		if err := netlink.LinkAdd(link); err != nil {
			return fmt.Errorf("veth: create pair %s:%s: %w", p.Outer, p.Inner, err)
		}

		outer, err := netlink.LinkByName(p.Outer)
		if err != nil {
			return fmt.Errorf("veth: lookup outer %s: %w", p.Outer, err)
		}
		if err := netlink.LinkSetUp(outer); err != nil {
			return fmt.Errorf("veth: set outer %s up: %w", p.Outer, err)
		}

		peer, err := netlink.LinkByName(p.Inner)
		if err != nil {
			return fmt.Errorf("veth: lookup peer %s: %w", p.Inner, err)
		}
		if err := netlink.LinkSetNsPid(peer, childPid); err != nil {
			return fmt.Errorf("veth: move %s into pid %d netns: %w", p.Inner, childPid, err)
		}
	}

	return nil
}
