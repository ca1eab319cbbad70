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

// Package oci applies the pre-restore adjustments to a container's bundle
// spec. A restored process resumes mid-execution, so its working directory
// and any shared-filesystem mount must be in place before the runtime
// recreates it; there is no second chance once restore has run.
package oci

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
)

// AdjustBundle rewrites the bundle config at configPath according to the
// container's opt-in settings: the working-directory override replaces
// process.cwd, and a shared-filesystem path is bind-mounted into the
// container at its host path so restored file handles keep resolving on
// the new node. The file is replaced atomically.
func AdjustBundle(ctx context.Context, configPath string, cc *config.ContainerConfig) error {
	if cc == nil || (cc.WorkDir == "" && cc.NetworkFSHostPath == "") {
		return nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrapf(err, "read bundle config %s", configPath)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return errors.Wrapf(err, "decode bundle config %s", configPath)
	}

	changed := false
	if cc.WorkDir != "" && spec.Process != nil && spec.Process.Cwd != cc.WorkDir {
		log.G(ctx).WithFields(log.Fields{"from": spec.Process.Cwd, "to": cc.WorkDir}).Info("overriding working directory for restore")
		spec.Process.Cwd = cc.WorkDir
		changed = true
	}
	if cc.NetworkFSHostPath != "" && !hasMount(spec.Mounts, cc.NetworkFSHostPath) {
		spec.Mounts = append(spec.Mounts, specs.Mount{
			Destination: cc.NetworkFSHostPath,
			Type:        "bind",
			Source:      cc.NetworkFSHostPath,
			Options:     []string{"rbind", "rw"},
		})
		log.G(ctx).WithField("path", cc.NetworkFSHostPath).Info("binding shared filesystem for restore")
		changed = true
	}
	if !changed {
		return nil
	}

	out, err := json.Marshal(&spec)
	if err != nil {
		return errors.Wrapf(err, "encode bundle config %s", configPath)
	}
	tmp := filepath.Join(filepath.Dir(configPath), ".config.json.tmp")
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return errors.Wrapf(err, "write bundle config %s", configPath)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replace bundle config %s", configPath)
	}
	return nil
}

func hasMount(mounts []specs.Mount, destination string) bool {
	for _, m := range mounts {
		if m.Destination == destination {
			return true
		}
	}
	return false
}
