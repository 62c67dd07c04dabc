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

// Package nsconfig assembles an immutable domain.Config from the
// launcher's command-line flags, independent of the CLI library so the
// assembly logic can be unit tested without a cli.Context.
package nsconfig

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nestybox/sysbox-nspawn/capset"
	"github.com/nestybox/sysbox-nspawn/domain"
)

// Flags mirrors the launcher's recognized option set. cmd/nsjump populates
// this from a cli.Context; nothing here depends on urfave/cli.
type Flags struct {
	Directory      string
	User           string
	Controllers    string
	UUID           string
	PrivateNetwork bool
	NetworkIf      []string
	ReadOnly       bool
	Boot           bool
	Capability     []string
	LinkJournal    string
	LinkJournalJ   bool
	SetEnv         []string
	Machine        string
	KillSignal     string
	Bind           []string
	BindRO         []string
}

// Build turns Flags and the invocation's trailing PATH/ARGUMENTS into a
// domain.Config, resolving defaults and validating syntax eagerly so that
// the preflight checks see a fully-formed configuration.
func Build(f Flags, positional []string) (*domain.Config, error) {
	root := f.Directory
	if root == "" {
		if len(positional) > 0 {
			root = positional[0]
			positional = positional[1:]
		} else {
			root = "."
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("nsconfig: resolve root directory: %w", err)
	}

	vethPairs, err := parseVethPairs(f.NetworkIf)
	if err != nil {
		return nil, err
	}

	journalMode, err := parseJournalLink(f.LinkJournal, f.LinkJournalJ)
	if err != nil {
		return nil, err
	}

	caps, err := capset.New().Bits(splitNonEmpty(f.Capability, ","))
	if err != nil {
		return nil, err
	}
	sort.Strings(caps)

	mounts, err := parseBindMounts(f.Bind, f.BindRO)
	if err != nil {
		return nil, err
	}

	cfg := &domain.Config{
		RootDir:          root,
		User:             f.User,
		ExtraControllers: dedupStrings(splitNonEmpty([]string{f.Controllers}, ",")),
		MachineUUID:      f.UUID,
		PrivateNetwork:   f.PrivateNetwork || len(vethPairs) > 0,
		VethPairs:        vethPairs,
		ReadOnly:         f.ReadOnly,
		BootMode:         f.Boot,
		JournalLink:      journalMode,
		RetainedCaps:     caps,
		SetEnv:           f.SetEnv,
		MachineName:      machineName(f.Machine, root),
		KillSignal:       f.KillSignal,
		ExtraMounts:      mounts,
		Command:          positional,
	}

	return cfg, nil
}

// machineName applies the --machine override over the default derived
// from the root directory's last path component.
func machineName(override, root string) string {
	if override != "" {
		return override
	}
	name := filepath.Base(root)
	if name == "." || name == "/" || name == "" {
		return "container"
	}
	return name
}

func parseVethPairs(specs []string) ([]domain.VethPair, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	pairs := make([]domain.VethPair, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("nsconfig: --network-if %q must be OUTER:INNER", s)
		}
		pairs = append(pairs, domain.VethPair{Outer: parts[0], Inner: parts[1]})
	}
	return pairs, nil
}

func parseJournalLink(mode string, jFlag bool) (domain.JournalLinkMode, error) {
	if jFlag {
		if mode != "" && mode != "host" {
			return 0, fmt.Errorf("nsconfig: -j conflicts with --link-journal=%s", mode)
		}
		return domain.JournalLinkHost, nil
	}
	switch mode {
	case "", "no":
		return domain.JournalLinkNone, nil
	case "auto":
		return domain.JournalLinkAuto, nil
	case "host":
		return domain.JournalLinkHost, nil
	case "guest":
		return domain.JournalLinkGuest, nil
	default:
		return 0, fmt.Errorf("nsconfig: --link-journal=%s: must be one of no, auto, host, guest", mode)
	}
}

// parseBindMounts parses --bind/--bind-ro entries of the form
// SRC[:DST[:OPTS]].
func parseBindMounts(bind, bindRO []string) ([]domain.BindMountRequest, error) {
	var out []domain.BindMountRequest
	for _, s := range bind {
		r, err := parseBindMount(s, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	for _, s := range bindRO {
		r, err := parseBindMount(s, true)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseBindMount(spec string, readOnly bool) (domain.BindMountRequest, error) {
	if spec == "" {
		return domain.BindMountRequest{}, fmt.Errorf("nsconfig: empty --bind entry")
	}
	parts := strings.Split(spec, ":")
	src := parts[0]
	if src == "" {
		return domain.BindMountRequest{}, fmt.Errorf("nsconfig: --bind %q: empty source", spec)
	}
	dst := src
	if len(parts) >= 2 && parts[1] != "" {
		dst = parts[1]
	}
	if len(parts) >= 3 {
		for _, opt := range strings.Split(parts[2], ",") {
			if opt == "ro" {
				readOnly = true
			}
		}
	}
	return domain.BindMountRequest{Source: src, Dest: dst, ReadOnly: readOnly}, nil
}

func splitNonEmpty(values []string, sep string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, sep) {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
