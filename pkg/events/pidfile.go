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

package events

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning reports that a live monitor owns the PID file.
var ErrAlreadyRunning = errors.New("event monitor already running")

// PIDFile keeps the monitor a singleton. The check-and-create sequence is
// deliberately best effort: two monitors racing past each other only
// produce idempotent duplicate exit-code writes, so no stronger exclusion
// is needed.
type PIDFile struct {
	path string
}

// NewPIDFile returns a PID file handle at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Acquire claims the PID file for the current process. A stale file left
// by a dead monitor, or one with unparseable content, is removed and
// replaced; a live owner yields ErrAlreadyRunning.
func (p *PIDFile) Acquire() error {
	if pid, ok := p.read(); ok {
		if processAlive(pid) {
			return ErrAlreadyRunning
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale pid file %s", p.path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrapf(err, "create pid file dir for %s", p.path)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(p.path, []byte(pid), 0o644); err != nil {
		return errors.Wrapf(err, "write pid file %s", p.path)
	}
	return nil
}

// Release removes the PID file; safe to call when it is already gone.
func (p *PIDFile) Release() {
	_ = os.Remove(p.path)
}

// Status returns the recorded PID and whether that process is alive.
func (p *PIDFile) Status() (int, bool) {
	pid, ok := p.read()
	if !ok {
		return 0, false
	}
	return pid, processAlive(pid)
}

func (p *PIDFile) read() (int, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Garbage content counts as stale.
		return -1, true
	}
	return pid, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
