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

// Package finalize checkpoints and tears down every managed running
// container. It is invoked on host reclaim (e.g. a spot-instance
// termination notice) so the workloads can be restored elsewhere.
package finalize

import (
	"context"
	"os/exec"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
	"github.com/cradle-sh/cradle/pkg/runtimestate"
	"github.com/cradle-sh/cradle/pkg/state"
)

// Finalizer sweeps the state store and checkpoints each running managed
// container through ctr, then removes its task and container records.
type Finalizer struct {
	cfg     *config.Config
	store   *state.Store
	runtime *runtimestate.Client

	// runCtr is a seam for tests.
	runCtr func(ctx context.Context, args ...string) error
}

// New returns a finalizer over the given store and runtime client.
func New(cfg *config.Config, store *state.Store, runtime *runtimestate.Client) *Finalizer {
	f := &Finalizer{cfg: cfg, store: store, runtime: runtime}
	f.runCtr = f.ctr
	return f
}

// Run finalizes all managed containers, aggregating per-container
// failures; one stuck container must not keep the rest from being
// checkpointed before the host goes away.
func (f *Finalizer) Run(ctx context.Context) error {
	keys, err := f.store.List(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.G(ctx).Info("no managed containers to finalize")
		return nil
	}
	var errs *multierror.Error
	for _, key := range keys {
		if err := f.finalizeOne(ctx, key); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "finalize %s", key))
		}
	}
	return errs.ErrorOrNil()
}

func (f *Finalizer) finalizeOne(ctx context.Context, key state.Key) error {
	st, err := f.runtime.State(ctx, key.Namespace, key.ID)
	if err != nil {
		return err
	}
	if st.Status != "running" {
		log.G(ctx).WithFields(log.Fields{"container": key, "status": st.Status}).Warn("not running, skipping finalize")
		return nil
	}

	log.G(ctx).WithField("container", key).Info("checkpointing container for reclaim")
	if err := f.runCtr(ctx, "--namespace", key.Namespace, "containers", "checkpoint", "--task", key.ID, "checkpoint/"+key.ID); err != nil {
		return errors.Wrap(err, "checkpoint")
	}

	// Teardown is best effort once the checkpoint exists; a leftover task
	// record only costs a warning in containerd.
	for _, step := range [][]string{
		{"--namespace", key.Namespace, "task", "kill", key.ID},
		{"--namespace", key.Namespace, "task", "rm", key.ID},
		{"--namespace", key.Namespace, "container", "rm", key.ID},
	} {
		if err := f.runCtr(ctx, step...); err != nil {
			log.G(ctx).WithError(err).WithField("container", key).Warn("teardown step failed")
		}
	}
	return nil
}

func (f *Finalizer) ctr(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, f.cfg.CtrBinary, args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "ctr %v: %s", args, out)
	}
	return nil
}
