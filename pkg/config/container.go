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

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/log"
)

// Opt-in markers read from the container's process environment. The shim
// never modifies the bundle config to add these; the deployment that wants
// checkpoint/restore sets them on the workload.
const (
	EnvEnable             = "CRADLE_ENABLE"
	EnvCheckpointHostPath = "CRADLE_CHECKPOINT_HOST_PATH"
	EnvNetworkFSHostPath  = "CRADLE_NETWORKFS_HOST_PATH"
	EnvWorkDir            = "CRADLE_WORKDIR"
)

// bundleConfigPaths are the well-known locations of a container's OCI
// bundle config, keyed by namespace and container id. The runtime v2 task
// path comes first; the older runc shim paths are kept for v1 setups.
var bundleConfigPaths = []string{
	"/run/containerd/io.containerd.runtime.v2.task/%s/%s/config.json",
	"/run/containerd/runc/%s/%s/config.json",
	"/run/runc/%s/%s/config.json",
}

// ContainerConfig is the per-container opt-in configuration extracted from
// the bundle.
type ContainerConfig struct {
	// Enabled marks the container as managed by this shim.
	Enabled bool

	// CheckpointHostPath overrides the default checkpoint base with a
	// dedicated host directory.
	CheckpointHostPath string

	// NetworkFSHostPath points at a shared filesystem mount; it wins over
	// CheckpointHostPath and enables cross-node migration.
	NetworkFSHostPath string

	// WorkDir overrides the restored process's working directory.
	WorkDir string
}

// ContainerLoader discovers and decodes bundle configs. The path templates
// are injectable for tests.
type ContainerLoader struct {
	paths []string
}

// NewContainerLoader returns a loader over the well-known bundle locations.
func NewContainerLoader(paths ...string) *ContainerLoader {
	if len(paths) == 0 {
		paths = bundleConfigPaths
	}
	return &ContainerLoader{paths: paths}
}

// ConfigPath returns the first existing bundle config for the container.
func (l *ContainerLoader) ConfigPath(namespace, id string) (string, error) {
	for _, tmpl := range l.paths {
		p := fmt.Sprintf(tmpl, namespace, id)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Errorf("no bundle config found for %s/%s", namespace, id)
}

// Load reads the container's opt-in configuration. Every failure mode
// (missing bundle, unreadable file, malformed JSON, absent process section)
// yields "not opted in" rather than an error; a container that cannot be
// inspected is treated exactly like one that never opted in.
func (l *ContainerLoader) Load(ctx context.Context, namespace, id string) *ContainerConfig {
	cc := &ContainerConfig{}
	if namespace == "" || id == "" {
		return cc
	}
	path, err := l.ConfigPath(namespace, id)
	if err != nil {
		log.G(ctx).WithField("container", namespace+"/"+id).Debug("no bundle config, not opted in")
		return cc
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("cannot read bundle config, not opted in")
		return cc
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("malformed bundle config, not opted in")
		return cc
	}
	if spec.Process == nil {
		return cc
	}
	for _, kv := range spec.Process.Env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch name {
		case EnvEnable:
			cc.Enabled = value == "1"
		case EnvCheckpointHostPath:
			cc.CheckpointHostPath = value
		case EnvNetworkFSHostPath:
			cc.NetworkFSHostPath = value
		case EnvWorkDir:
			cc.WorkDir = value
		}
	}
	return cc
}
