/*
   Copyright The cradle Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// cradle-cli is the administrative tool for the cradle shim: listing
// managed containers, checkpointing everything ahead of a host reclaim
// and inspecting the event monitor.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/events"
	"github.com/cradle-sh/cradle/pkg/finalize"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/runtimestate"
	"github.com/cradle-sh/cradle/pkg/state"
	"github.com/cradle-sh/cradle/pkg/version"
)

func init() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println(c.App.Name, version.Package, c.App.Version)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "cradle-cli"
	app.Version = version.Version
	app.Usage = "manage containers checkpointed by the cradle runtime shim"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "path to the cradle configuration file",
			EnvVar: "CRADLE_CONFIG",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output in logs",
		},
	}
	app.Commands = []cli.Command{
		containerCommand,
		monitorCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and the state store shared by all
// subcommands. CLI output goes to stdout; log output still goes to the
// shared log file so finalize runs leave an audit trail.
func setup(c *cli.Context) (context.Context, *config.Config, *state.Store, error) {
	ctx := context.Background()
	cfg := config.Load(ctx, c.GlobalString("config"))
	if f, err := log.OpenFile(cfg.LogFile); err == nil {
		// Leaked on exit on purpose; the process is short-lived.
		_ = f
	}
	level := cfg.LogLevel
	if c.GlobalBool("debug") {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		log.G(ctx).WithError(err).Warn("invalid log level, keeping default")
	}
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, cfg, store, nil
}

var containerCommand = cli.Command{
	Name:  "container",
	Usage: "operate on managed containers",
	Subcommands: []cli.Command{
		{
			Name:  "list",
			Usage: "list containers currently managed by the shim",
			Action: func(c *cli.Context) error {
				ctx, _, store, err := setup(c)
				if err != nil {
					return err
				}
				keys, err := store.List(ctx)
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Printf("%s\t%s\n", key.Namespace, key.ID)
				}
				return nil
			},
		},
		{
			Name:  "finalize",
			Usage: "checkpoint and tear down all managed running containers",
			Action: func(c *cli.Context) error {
				ctx, cfg, store, err := setup(c)
				if err != nil {
					return err
				}
				runcBinary, err := cfg.ResolveRuncBinary()
				if err != nil {
					return err
				}
				runtime := runtimestate.NewClient(runcBinary)
				return finalize.New(cfg, store, runtime).Run(ctx)
			},
		},
	},
}

var monitorCommand = cli.Command{
	Name:  "monitor",
	Usage: "inspect the event monitor",
	Subcommands: []cli.Command{
		{
			Name:  "status",
			Usage: "report whether the event monitor is running",
			Action: func(c *cli.Context) error {
				_, cfg, _, err := setup(c)
				if err != nil {
					return err
				}
				pid, alive := events.NewPIDFile(cfg.MonitorPidFile).Status()
				if alive {
					fmt.Printf("running (pid %d)\n", pid)
				} else {
					fmt.Println("not running")
				}
				return nil
			},
		},
	},
}
