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
	"context"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/log"
)

// EnsureMonitor makes sure an event monitor process exists, spawning one
// detached when none is running. The shim invocation that calls this is
// about to replace its own process image, so the monitor must not remain
// a child: it gets its own session and is released immediately.
func EnsureMonitor(ctx context.Context, cfg *config.Config) error {
	pf := NewPIDFile(cfg.MonitorPidFile)
	if pid, alive := pf.Status(); alive {
		log.G(ctx).WithField("pid", pid).Debug("event monitor already running")
		return nil
	}

	bin, err := cfg.ResolveMonitorBinary()
	if err != nil {
		return err
	}
	cmd := exec.Command(bin, "run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "spawn event monitor %s", bin)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return errors.Wrap(err, "release event monitor process")
	}
	log.G(ctx).WithFields(log.Fields{"pid": pid, "binary": bin}).Info("spawned event monitor")
	return nil
}
