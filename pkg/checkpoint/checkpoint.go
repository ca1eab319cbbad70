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

// Package checkpoint manages checkpoint image directories: locating them,
// validating that the runtime finished writing one, and saving/restoring
// the writable-layer snapshot that travels alongside the runtime's own
// process-state artifacts.
package checkpoint

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/cradle-sh/cradle/pkg/archive"
	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
)

const (
	// dumpLog is written by the runtime (criu) into the image directory;
	// its final line tells whether the dump completed.
	dumpLog = "dump.log"

	// successMarker is criu's literal completion message. Validation keys
	// on this and nothing else, so a torn writable-layer archive can never
	// make a bad image look usable.
	successMarker = "Dumping finished successfully"

	// ArchiveName is the writable-layer snapshot inside the image
	// directory.
	ArchiveName = "upperdir.tar.gz"
)

// Orchestrator performs all checkpoint-image filesystem operations. Its
// methods return plain booleans: every failure is logged and mapped to a
// fallback decision by the router, never propagated.
type Orchestrator struct {
	defaultBase string

	// restored tracks the entries written by the most recent Restore, the
	// exact set Rollback is allowed to delete. Restore and Rollback always
	// run within a single create invocation, so process-local tracking is
	// sufficient.
	restored []string
}

// NewOrchestrator returns an orchestrator with the given default image
// base directory.
func NewOrchestrator(defaultBase string) *Orchestrator {
	return &Orchestrator{defaultBase: defaultBase}
}

// ResolvePath returns the checkpoint image directory for a container.
// Priority: shared filesystem override, then dedicated host path, then the
// configured default base; the namespace and container id are always
// appended.
func (o *Orchestrator) ResolvePath(cc *config.ContainerConfig, namespace, id string) string {
	switch {
	case cc != nil && cc.NetworkFSHostPath != "":
		return filepath.Join(cc.NetworkFSHostPath, "checkpoint", namespace, id)
	case cc != nil && cc.CheckpointHostPath != "":
		return filepath.Join(cc.CheckpointHostPath, namespace, id)
	default:
		return filepath.Join(o.defaultBase, namespace, id)
	}
}

// Validate reports whether imagePath holds a completed checkpoint: the
// runtime's dump log exists and its last non-empty line carries the
// success marker. Anything else, including an unreadable log, is a
// validation failure, not an error.
func (o *Orchestrator) Validate(ctx context.Context, imagePath string) bool {
	logPath := filepath.Join(imagePath, dumpLog)
	f, err := os.Open(logPath)
	if err != nil {
		log.G(ctx).WithError(err).WithField("image", imagePath).Info("no usable checkpoint: dump log missing")
		return false
	}
	defer f.Close()

	lastLine := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		log.G(ctx).WithError(err).WithField("image", imagePath).Warn("no usable checkpoint: dump log unreadable")
		return false
	}
	if !strings.Contains(lastLine, successMarker) {
		log.G(ctx).WithField("image", imagePath).Info("no usable checkpoint: dump did not finish")
		return false
	}
	return true
}

// Save archives everything under sourceDir into the image directory,
// creating it if needed.
func (o *Orchestrator) Save(ctx context.Context, sourceDir, imagePath string) bool {
	if _, err := os.Stat(sourceDir); err != nil {
		log.G(ctx).WithError(err).WithField("source", sourceDir).Error("cannot save snapshot: source missing")
		return false
	}
	if err := os.MkdirAll(imagePath, 0o755); err != nil {
		log.G(ctx).WithError(err).WithField("image", imagePath).Error("cannot create image directory")
		return false
	}
	dst := filepath.Join(imagePath, ArchiveName)
	if err := archive.Pack(sourceDir, dst); err != nil {
		log.G(ctx).WithError(err).WithField("image", imagePath).Error("snapshot archive failed")
		return false
	}
	log.G(ctx).WithFields(log.Fields{"source": sourceDir, "archive": dst}).Info("saved writable-layer snapshot")
	return true
}

// Restore extracts the writable-layer archive into destDir. destDir must
// already exist: it is the live upperdir managed by the runtime, and
// creating it here would paper over a missing or torn-down container
// filesystem.
func (o *Orchestrator) Restore(ctx context.Context, imagePath, destDir string) bool {
	o.restored = nil
	if fi, err := os.Stat(destDir); err != nil || !fi.IsDir() {
		log.G(ctx).WithField("dest", destDir).Error("cannot restore snapshot: destination missing")
		return false
	}
	src := filepath.Join(imagePath, ArchiveName)
	created, err := archive.Unpack(src, destDir)
	o.restored = created
	if err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{"image": imagePath, "dest": destDir}).Error("snapshot restore failed")
		return false
	}
	log.G(ctx).WithFields(log.Fields{"image": imagePath, "dest": destDir, "entries": len(created)}).Info("restored writable-layer snapshot")
	return true
}

// Rollback removes exactly the entries the preceding Restore wrote,
// newest first so files go before their directories. Content that existed
// before the restore is never touched.
func (o *Orchestrator) Rollback(ctx context.Context, destDir string) bool {
	if _, err := os.Stat(destDir); err != nil {
		log.G(ctx).WithField("dest", destDir).Error("cannot roll back: destination missing")
		return false
	}
	var errs *multierror.Error
	for i := len(o.restored) - 1; i >= 0; i-- {
		if err := os.Remove(o.restored[i]); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, err)
		}
	}
	o.restored = nil
	if err := errs.ErrorOrNil(); err != nil {
		log.G(ctx).WithError(err).WithField("dest", destDir).Error("rollback incomplete")
		return false
	}
	log.G(ctx).WithField("dest", destDir).Info("rolled back failed restore")
	return true
}

// Remove deletes the whole checkpoint image directory. Used by delete-time
// cleanup once the container is known to have exited cleanly.
func (o *Orchestrator) Remove(ctx context.Context, imagePath string) bool {
	if imagePath == "" {
		return false
	}
	if _, err := os.Stat(imagePath); err != nil {
		log.G(ctx).WithField("image", imagePath).Debug("no checkpoint image to remove")
		return false
	}
	if err := os.RemoveAll(imagePath); err != nil {
		log.G(ctx).WithError(err).WithField("image", imagePath).Error("cannot remove checkpoint image")
		return false
	}
	log.G(ctx).WithField("image", imagePath).Info("removed checkpoint image")
	return true
}
