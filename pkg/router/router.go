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

// Package router decides, per intercepted invocation, whether to hand the
// command to the real runtime untouched or to rewrite it. It drives the
// per-container lifecycle: a valid checkpoint turns create into restore,
// the following start is swallowed, checkpoint grows a snapshot step, the
// following resume is swallowed, and delete cleans up once the exit code
// is known good. Every failure path degrades to plain passthrough; with no
// opted-in containers the shim is behaviorally invisible.
package router

import (
	"context"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/cradle-sh/cradle/pkg/checkpoint"
	"github.com/cradle-sh/cradle/pkg/command"
	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/events"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/oci"
	"github.com/cradle-sh/cradle/pkg/overlay"
	"github.com/cradle-sh/cradle/pkg/state"
)

// Router routes parsed commands. The exec/run/lookup seams are fields so
// tests can intercept process handoff and host inspection.
type Router struct {
	cfg        *config.Config
	runcBinary string
	store      *state.Store
	containers *config.ContainerLoader
	ckpt       *checkpoint.Orchestrator

	// execve replaces the current process image; it returns only on
	// failure.
	execve func(binary string, argv []string) error

	// run executes argv as a child and reports its exit code. Rewritten
	// invocations go through here because post-steps must run after the
	// outcome is known.
	run func(ctx context.Context, binary string, argv []string) (int, error)

	upperdir     func(containerID string) (string, error)
	adjustBundle func(ctx context.Context, configPath string, cc *config.ContainerConfig) error
	startMonitor func(ctx context.Context, cfg *config.Config) error
}

// New returns a router over the given collaborators.
func New(cfg *config.Config, runcBinary string, store *state.Store, containers *config.ContainerLoader, ckpt *checkpoint.Orchestrator) *Router {
	return &Router{
		cfg:        cfg,
		runcBinary: runcBinary,
		store:      store,
		containers: containers,
		ckpt:       ckpt,
		execve: func(binary string, argv []string) error {
			return unix.Exec(binary, argv, os.Environ())
		},
		run:          runChild,
		upperdir:     overlay.Upperdir,
		adjustBundle: oci.AdjustBundle,
		startMonitor: events.EnsureMonitor,
	}
}

// Dispatch handles one intercepted argv and returns the exit code the shim
// must report. Passthrough paths normally do not return at all: the
// process image is replaced by the real runtime.
func (r *Router) Dispatch(ctx context.Context, argv []string) int {
	cmd, err := command.Parse(argv)
	if err != nil {
		// An argv we cannot parse is an argv we must not touch.
		log.G(ctx).WithError(err).Error("unparseable invocation, passing through")
		return r.execPassthrough(ctx, argv)
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"subcommand": cmd.Subcommand,
		"container":  cmd.Namespace + "/" + cmd.ContainerID,
	}))

	switch cmd.Kind() {
	case command.Create:
		return r.handleCreate(ctx, cmd)
	case command.Start:
		return r.handleStart(ctx, cmd)
	case command.Checkpoint:
		return r.handleCheckpoint(ctx, cmd)
	case command.Resume:
		return r.handleResume(ctx, cmd)
	case command.Delete:
		return r.handleDelete(ctx, cmd)
	default:
		return r.passthrough(ctx, cmd)
	}
}

// passthrough forwards the original argv byte-identically.
func (r *Router) passthrough(ctx context.Context, cmd *command.Command) int {
	return r.execPassthrough(ctx, cmd.Argv())
}

// execPassthrough replaces this process with the real runtime so the
// caller observes its stdio and exit code directly. It returns an exit
// code only when the replacement itself fails.
func (r *Router) execPassthrough(ctx context.Context, argv []string) int {
	final := append([]string{r.runcBinary}, argv[1:]...)
	log.G(ctx).WithField("argv", final).Debug("passing through to runtime")
	if err := r.execve(r.runcBinary, final); err != nil {
		log.G(ctx).WithError(err).WithField("binary", r.runcBinary).Error("cannot exec real runtime")
	}
	return 1
}

// runChild runs argv as a child with inherited stdio and reports its exit
// code. No timeout is applied: a hanging runtime invocation is an
// accepted limitation, matching the blocking behavior the caller would
// see without the shim.
func runChild(ctx context.Context, binary string, argv []string) (int, error) {
	cmd := exec.Command(binary, argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return cmd.ProcessState.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}
