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

package main

import (
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nestybox/sysbox-nspawn/childinit"
	"github.com/nestybox/sysbox-nspawn/nsconfig"
	"github.com/nestybox/sysbox-nspawn/spawn"
)

const usage string = `nsjump [OPTIONS] [PATH] [ARGUMENTS...]

nsjump launches a Linux namespace container rooted at PATH (a directory
resembling an OS root, detected by the presence of /bin/sh), running either
an interactive shell, the given ARGUMENTS as a command, or a system init
process under --boot, inside fresh UTS/IPC/PID/MNT namespaces plus an
optional NET namespace, a filtered capability set, a private cgroup and a
pty relayed to the caller's terminal.
`

// Globals populated at build time via -ldflags.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

// main dispatches to the hidden child-init re-exec path before urfave/cli
// ever sees argv; everything else goes through the normal cli.App flow.
func main() {
	if spawn.IsReexec(os.Args[1:]) {
		if err := childinit.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "nsjump-init: %v\n", err)
			os.Exit(1)
		}
		// childinit.Run only returns on error; a successful run execs the
		// payload and never reaches here.
		os.Exit(1)
	}

	app := cli.NewApp()
	app.Name = "nsjump"
	app.Usage = usage
	app.Version = version
	app.ArgsUsage = "[PATH] [ARGUMENTS...]"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "directory, D", Usage: "container root directory"},
		cli.StringFlag{Name: "user, u", Usage: "payload user, resolved inside the container"},
		cli.StringFlag{Name: "controllers, C", Usage: "comma-separated extra cgroup controllers"},
		cli.StringFlag{Name: "uuid", Usage: "value exposed to the payload as container_uuid"},
		cli.BoolFlag{Name: "private-network", Usage: "join a new network namespace"},
		cli.StringSliceFlag{Name: "network-if", Usage: "OUTER:INNER veth pair to create, repeatable up to 16"},
		cli.BoolFlag{Name: "read-only", Usage: "mount the container root read-only"},
		cli.BoolFlag{Name: "boot, b", Usage: "search for and exec a system init binary"},
		cli.StringSliceFlag{Name: "capability", Usage: "additional capability to retain, repeatable"},
		cli.StringFlag{Name: "link-journal", Usage: "journal link mode: no, auto, host, guest"},
		cli.BoolFlag{Name: "j", Usage: "equivalent to --link-journal=host"},
		cli.StringSliceFlag{Name: "setenv", Usage: "NAME=VALUE to add to the payload environment, repeatable"},
		cli.StringFlag{Name: "machine", Usage: "override the container's hostname/machine tag"},
		cli.StringFlag{Name: "kill-signal", Usage: "signal sent on the first SIGTERM in --boot mode (default SIGRTMIN+3)"},
		cli.StringSliceFlag{Name: "bind", Usage: "SRC[:DST[:OPTS]] bind mount, repeatable"},
		cli.StringSliceFlag{Name: "bind-ro", Usage: "SRC[:DST[:OPTS]] read-only bind mount, repeatable"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file path, or empty string for stderr output"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log categories to include (debug, info, warning, error, fatal)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format; must be json or text"},
		cli.BoolFlag{Name: "cpu-profile", Usage: "enable cpu-profiling data collection", Hidden: true},
		cli.BoolFlag{Name: "memory-profile", Usage: "enable memory-profiling data collection", Hidden: true},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("nsjump\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return fmt.Errorf("opening log file %s: %w", path, err)
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		prof, err := runProfiler(ctx)
		if err != nil {
			return err
		}
		if prof != nil {
			defer prof.Stop()
		}

		flags := nsconfig.Flags{
			Directory:      ctx.String("directory"),
			User:           ctx.String("user"),
			Controllers:    ctx.String("controllers"),
			UUID:           ctx.String("uuid"),
			PrivateNetwork: ctx.Bool("private-network"),
			NetworkIf:      ctx.StringSlice("network-if"),
			ReadOnly:       ctx.Bool("read-only"),
			Boot:           ctx.Bool("boot"),
			Capability:     ctx.StringSlice("capability"),
			LinkJournal:    ctx.String("link-journal"),
			LinkJournalJ:   ctx.Bool("j"),
			SetEnv:         ctx.StringSlice("setenv"),
			Machine:        ctx.String("machine"),
			KillSignal:     ctx.String("kill-signal"),
			Bind:           ctx.StringSlice("bind"),
			BindRO:         ctx.StringSlice("bind-ro"),
		}

		cfg, err := nsconfig.Build(flags, ctx.Args())
		if err != nil {
			logrus.Errorf("nsjump: %v", err)
			os.Exit(2)
		}

		if err := nsconfig.Preflight(cfg.RootDir); err != nil {
			logrus.Errorf("nsjump: %v", err)
			os.Exit(2)
		}

		code, err := spawn.New(cfg).Run()
		if err != nil {
			logrus.Errorf("nsjump: %v", err)
			if code == 0 {
				code = 1
			}
		}
		os.Exit(code)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// runProfiler starts cpu or memory profiling when the corresponding
// hidden flag is set. The two are mutually exclusive.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.Bool("cpu-profile")
	memOn := ctx.Bool("memory-profile")

	if cpuOn && memOn {
		return nil, fmt.Errorf("nsjump: --cpu-profile and --memory-profile are mutually exclusive")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}

	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}
