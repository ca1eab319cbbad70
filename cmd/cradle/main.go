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

// cradle is installed in place of the runc binary. containerd invokes it
// with runc's exact argv; anything it does not recognize or cannot handle
// is handed to the real runtime via process replacement, so a broken or
// unconfigured shim degrades to plain runc.
package main

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cradle-sh/cradle/pkg/checkpoint"
	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/router"
	"github.com/cradle-sh/cradle/pkg/state"
)

func main() {
	ctx := context.Background()
	cfg := config.Load(ctx, os.Getenv("CRADLE_CONFIG"))

	// stdout and stderr belong to the real runtime's caller; if the log
	// file cannot be opened the shim stays silent rather than polluting
	// them.
	if f, err := log.OpenFile(cfg.LogFile); err != nil {
		logrus.StandardLogger().SetOutput(io.Discard)
	} else {
		defer f.Close()
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		log.G(ctx).WithError(err).Warn("invalid log level, keeping default")
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("invocation", uuid.New().String()[:8]))

	runcBinary, err := cfg.ResolveRuncBinary()
	if err != nil {
		// Without the real runtime there is nothing to pass through to;
		// this is the one genuinely fatal condition.
		log.G(ctx).WithError(err).Error("cannot resolve the real runc binary")
		os.Exit(1)
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.G(ctx).WithError(err).Error("state store unavailable, passing through")
		argv := append([]string{runcBinary}, os.Args[1:]...)
		if err := unix.Exec(runcBinary, argv, os.Environ()); err != nil {
			log.G(ctx).WithError(err).Error("cannot exec real runtime")
		}
		os.Exit(1)
	}

	r := router.New(cfg, runcBinary, store, config.NewContainerLoader(), checkpoint.NewOrchestrator(cfg.CheckpointDir))
	os.Exit(r.Dispatch(ctx, os.Args))
}
