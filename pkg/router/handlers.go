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

package router

import (
	"context"

	"github.com/cradle-sh/cradle/pkg/command"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/state"
)

// handleCreate substitutes restore-from-checkpoint for create when the
// container opted in and a completed checkpoint image exists. Each
// preparation step that fails falls back to an ordinary create; the
// container then starts fresh, which is always safe.
func (r *Router) handleCreate(ctx context.Context, cmd *command.Command) int {
	if cmd.ContainerID == "" {
		return r.passthrough(ctx, cmd)
	}
	cc := r.containers.Load(ctx, cmd.Namespace, cmd.ContainerID)
	if !cc.Enabled {
		return r.passthrough(ctx, cmd)
	}
	key := state.Key{Namespace: cmd.Namespace, ID: cmd.ContainerID}

	// The container is managed from here on: reset its state document and
	// make sure exit events will be observed for it.
	if err := r.store.Create(ctx, key); err != nil {
		log.G(ctx).WithError(err).Warn("cannot initialize container state")
	}
	if err := r.startMonitor(ctx, r.cfg); err != nil {
		log.G(ctx).WithError(err).Warn("cannot start event monitor")
	}

	imagePath := r.ckpt.ResolvePath(cc, cmd.Namespace, cmd.ContainerID)
	if !r.ckpt.Validate(ctx, imagePath) {
		log.G(ctx).Info("no usable checkpoint, creating fresh")
		return r.passthrough(ctx, cmd)
	}

	// The restored process resumes mid-execution; its cwd and shared
	// mounts must be in place before the runtime rebuilds it.
	bundleConfig, err := r.containers.ConfigPath(cmd.Namespace, cmd.ContainerID)
	if err == nil {
		err = r.adjustBundle(ctx, bundleConfig, cc)
	}
	if err != nil {
		log.G(ctx).WithError(err).Error("bundle adjustment failed, creating fresh")
		return r.passthrough(ctx, cmd)
	}

	upper, err := r.upperdir(cmd.ContainerID)
	if err != nil {
		log.G(ctx).WithError(err).Error("cannot locate writable layer, creating fresh")
		return r.passthrough(ctx, cmd)
	}
	if !r.ckpt.Restore(ctx, imagePath, upper) {
		return r.passthrough(ctx, cmd)
	}

	argv := cmd.Rewrite("restore",
		command.WithFlag("--detach"),
		command.WithOption("--image-path", imagePath),
	)
	log.G(ctx).WithField("argv", argv).Info("rewriting create to restore")
	code, err := r.run(ctx, r.runcBinary, argv)
	if err != nil || code != 0 {
		log.G(ctx).WithError(err).WithField("code", code).Error("restore invocation failed, rolling back")
		r.ckpt.Rollback(ctx, upper)
		return r.passthrough(ctx, cmd)
	}

	// The next start must be swallowed: the restored task is already
	// running. Recorded before we return control to containerd.
	if err := r.store.SetFlag(ctx, key, state.SkipStart, true); err != nil {
		log.G(ctx).WithError(err).Error("restored but cannot set skip_start; the following start will fail")
	}
	return code
}

// handleStart swallows the start that follows a successful restore.
func (r *Router) handleStart(ctx context.Context, cmd *command.Command) int {
	key := state.Key{Namespace: cmd.Namespace, ID: cmd.ContainerID}
	if cmd.ContainerID == "" || !r.store.GetFlag(ctx, key, state.SkipStart) {
		return r.passthrough(ctx, cmd)
	}
	if err := r.store.SetFlag(ctx, key, state.SkipStart, false); err != nil {
		log.G(ctx).WithError(err).Warn("cannot clear skip_start")
	}
	log.G(ctx).Info("suppressed start after restore")
	return 0
}

// handleResume swallows the resume that follows a checkpoint.
func (r *Router) handleResume(ctx context.Context, cmd *command.Command) int {
	key := state.Key{Namespace: cmd.Namespace, ID: cmd.ContainerID}
	if cmd.ContainerID == "" || !r.store.GetFlag(ctx, key, state.SkipResume) {
		return r.passthrough(ctx, cmd)
	}
	if err := r.store.SetFlag(ctx, key, state.SkipResume, false); err != nil {
		log.G(ctx).WithError(err).Warn("cannot clear skip_resume")
	}
	log.G(ctx).Info("suppressed resume after checkpoint")
	return 0
}

// handleCheckpoint redirects the image path to the resolved checkpoint
// directory and, after the runtime checkpoint succeeds, archives the
// writable layer next to it. A failed archive leaves the runtime
// checkpoint in place: the image is then incomplete for this system's
// restore but the runtime-side dump is intact. That inconsistency is
// accepted and logged rather than undone.
func (r *Router) handleCheckpoint(ctx context.Context, cmd *command.Command) int {
	if cmd.ContainerID == "" {
		return r.passthrough(ctx, cmd)
	}
	cc := r.containers.Load(ctx, cmd.Namespace, cmd.ContainerID)
	if !cc.Enabled {
		return r.passthrough(ctx, cmd)
	}
	key := state.Key{Namespace: cmd.Namespace, ID: cmd.ContainerID}
	imagePath := r.ckpt.ResolvePath(cc, cmd.Namespace, cmd.ContainerID)

	argv := cmd.Rewrite("checkpoint",
		command.WithoutOptions("--work-path", "--leave-running"),
		command.WithOption("--image-path", imagePath),
	)
	log.G(ctx).WithField("argv", argv).Info("redirecting checkpoint image path")
	code, err := r.run(ctx, r.runcBinary, argv)
	if err != nil {
		log.G(ctx).WithError(err).Error("checkpoint invocation failed")
		return 1
	}
	if code != 0 {
		return code
	}

	if upper, uerr := r.upperdir(cmd.ContainerID); uerr != nil {
		log.G(ctx).WithError(uerr).Error("checkpoint complete but writable layer not found; image lacks filesystem snapshot")
	} else if !r.ckpt.Save(ctx, upper, imagePath) {
		log.G(ctx).Error("checkpoint complete but snapshot archive failed; image lacks filesystem snapshot")
	}

	if err := r.store.SetFlag(ctx, key, state.SkipResume, true); err != nil {
		log.G(ctx).WithError(err).Warn("cannot set skip_resume")
	}
	if err := r.store.SetFlag(ctx, key, state.KeepResources, true); err != nil {
		log.G(ctx).WithError(err).Warn("cannot set keep_resources")
	}
	return 0
}

// handleDelete cleans up checkpoint resources when it is safe: the exit
// event arrived and reported 0. A delete racing its own exit event sees
// no exit code and correctly leaves everything for a later lifecycle to
// reclaim. The delete itself always reaches the runtime.
func (r *Router) handleDelete(ctx context.Context, cmd *command.Command) int {
	if cmd.ContainerID == "" {
		return r.passthrough(ctx, cmd)
	}
	key := state.Key{Namespace: cmd.Namespace, ID: cmd.ContainerID}
	if !r.store.Has(key) {
		return r.passthrough(ctx, cmd)
	}

	// The bundle config may be gone by delete time; Load degrades to an
	// empty config, which still resolves the default image path.
	cc := r.containers.Load(ctx, cmd.Namespace, cmd.ContainerID)
	imagePath := r.ckpt.ResolvePath(cc, cmd.Namespace, cmd.ContainerID)

	switch code, ok := r.store.ExitCode(ctx, key); {
	case r.store.GetFlag(ctx, key, state.KeepResources):
		// A checkpoint was taken for migration; the image must outlive
		// this container instance.
		log.G(ctx).Info("preserving checkpoint image for migration")
		if err := r.store.Clear(ctx, key); err != nil {
			log.G(ctx).WithError(err).Warn("cannot clear container state")
		}
	case ok && code == 0:
		r.ckpt.Remove(ctx, imagePath)
		if err := r.store.Clear(ctx, key); err != nil {
			log.G(ctx).WithError(err).Warn("cannot clear container state")
		}
	case ok:
		log.G(ctx).WithField("exit_code", code).Info("container exited non-zero, keeping checkpoint")
	default:
		log.G(ctx).Info("exit code not yet observed, keeping checkpoint")
	}

	return r.passthrough(ctx, cmd)
}
