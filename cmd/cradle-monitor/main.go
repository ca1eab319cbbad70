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

// cradle-monitor is the long-lived companion of the cradle shim. The shim
// spawns it detached on the first create of a managed container; it tails
// the containerd event stream and records task exit codes for later
// delete-time cleanup decisions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/events"
	"github.com/cradle-sh/cradle/pkg/log"
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
	app.Name = "cradle-monitor"
	app.Version = version.Version
	app.Usage = "exit-event monitor for the cradle runtime shim"
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
		runCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "run the monitor in the foreground",
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := config.Load(ctx, c.GlobalString("config"))
		f, err := log.OpenFile(cfg.LogFile)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		level := cfg.LogLevel
		if c.GlobalBool("debug") {
			level = "debug"
		}
		if err := log.SetLevel(level); err != nil {
			log.G(ctx).WithError(err).Warn("invalid log level, keeping default")
		}

		store, err := state.NewStore(cfg.StateDir)
		if err != nil {
			return err
		}
		err = events.NewMonitor(ctx, cfg, store).Run(ctx)
		switch {
		case errors.Is(err, events.ErrAlreadyRunning):
			log.G(ctx).Info("another monitor is already running")
			return nil
		case errors.Is(err, context.Canceled):
			log.G(ctx).Info("event monitor stopped")
			return nil
		default:
			return err
		}
	},
}
