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

// Package overlay locates a container's writable layer in the host mount
// table.
package overlay

import (
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// Upperdir returns the upperdir of the overlay mount backing the given
// container. The snapshotter embeds the snapshot path, which carries the
// container id, in the mount point and superblock options; that is the
// only association available from outside the runtime.
func Upperdir(containerID string) (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("overlay"))
	if err != nil {
		return "", errors.Wrap(err, "read mount table")
	}
	for _, m := range mounts {
		if !strings.Contains(m.Mountpoint, containerID) &&
			!strings.Contains(m.VFSOptions, containerID) &&
			!strings.Contains(m.Options, containerID) {
			continue
		}
		if upper := upperdirOption(m.VFSOptions); upper != "" {
			return upper, nil
		}
		if upper := upperdirOption(m.Options); upper != "" {
			return upper, nil
		}
	}
	return "", errors.Errorf("no overlay mount found for container %s", containerID)
}

func upperdirOption(options string) string {
	for _, opt := range strings.Split(options, ",") {
		if v, ok := strings.CutPrefix(opt, "upperdir="); ok {
			return v
		}
	}
	return ""
}
