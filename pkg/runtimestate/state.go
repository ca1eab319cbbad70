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

// Package runtimestate queries the live status of a container from the
// real runtime.
package runtimestate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/log"
)

// runcRootTemplate is the runc root containerd uses per namespace.
const runcRootTemplate = "/run/containerd/runc/%s"

// State is the subset of `runc state` output the finalizer needs.
type State struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode"`
}

// Client shells out to the real runtime for state queries.
type Client struct {
	runcBinary string
}

// NewClient returns a client over the given runc binary.
func NewClient(runcBinary string) *Client {
	return &Client{runcBinary: runcBinary}
}

// State returns the runtime's view of the container, or an error when the
// runtime does not know it.
func (c *Client) State(ctx context.Context, namespace, id string) (*State, error) {
	root := fmt.Sprintf(runcRootTemplate, namespace)
	cmd := exec.CommandContext(ctx, c.runcBinary, "--root", root, "state", id)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			log.G(ctx).WithField("stderr", string(ee.Stderr)).Debug("runc state failed")
		}
		return nil, errors.Wrapf(err, "query state of %s/%s", namespace, id)
	}
	var st State
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, errors.Wrapf(err, "decode state of %s/%s", namespace, id)
	}
	return &st, nil
}
