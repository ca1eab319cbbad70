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

// Package config carries the ambient configuration of the shim. It is
// loaded once at process start and threaded into every component; nothing
// reads global mutable state after main.
package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/log"
)

// DefaultPath is where the shim looks for its own configuration.
const DefaultPath = "/etc/cradle/config.toml"

// EnvRuncBinary overrides the configured real runc path.
const EnvRuncBinary = "CRADLE_RUNC_BINARY"

// Config is the ambient configuration shared by the shim, the monitor and
// the admin CLI.
type Config struct {
	// RuncBinary is the real OCI runtime this shim stands in for.
	RuncBinary string `toml:"runc_binary"`

	// CtrBinary is used by the event monitor and the finalizer.
	CtrBinary string `toml:"ctr_binary"`

	// StateDir holds the per-container state documents.
	StateDir string `toml:"state_dir"`

	// CheckpointDir is the default checkpoint image base; per-container
	// overrides in the bundle config take precedence.
	CheckpointDir string `toml:"checkpoint_dir"`

	// LogFile is the single append-only log shared by all processes.
	LogFile string `toml:"log_file"`

	LogLevel string `toml:"log_level"`

	// MonitorPidFile guards the event monitor singleton.
	MonitorPidFile string `toml:"monitor_pid_file"`

	// MonitorBinary is the monitor executable spawned on demand; when empty
	// it is looked up next to the running executable.
	MonitorBinary string `toml:"monitor_binary"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CtrBinary:      "ctr",
		StateDir:       "/var/lib/cradle/state",
		CheckpointDir:  "/var/lib/cradle/checkpoints",
		LogFile:        "/var/log/cradle/cradle.log",
		LogLevel:       "info",
		MonitorPidFile: "/run/cradle/monitor.pid",
	}
}

// Load reads the TOML file at path on top of the defaults and applies
// environment overrides. A missing file is not an error; an unreadable or
// malformed one is logged and the defaults win, so configuration trouble
// never takes the shim down.
func Load(ctx context.Context, path string) *Config {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		log.G(ctx).WithError(err).WithField("path", path).Warn("cannot read config, using defaults")
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("malformed config, using defaults")
			cfg = Default()
		}
	}
	if v := os.Getenv(EnvRuncBinary); v != "" {
		cfg.RuncBinary = v
	}
	return cfg
}

// runcCandidates are probed when no runc binary is configured. Only .real
// names are tried: the installer moves the original binary aside under that
// name, and probing a plain "runc" risks the shim exec'ing itself forever.
var runcCandidates = []string{
	"/usr/local/sbin/runc.real",
	"/usr/local/bin/runc.real",
	"/usr/sbin/runc.real",
	"/usr/bin/runc.real",
}

// ResolveRuncBinary returns the path of the real runtime executable.
func (c *Config) ResolveRuncBinary() (string, error) {
	if c.RuncBinary != "" {
		if isExecutable(c.RuncBinary) {
			return c.RuncBinary, nil
		}
		return "", errors.Errorf("configured runc binary %s is not executable", c.RuncBinary)
	}
	for _, p := range runcCandidates {
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", errors.New("cannot locate the real runc binary")
}

// ResolveMonitorBinary returns the monitor executable, defaulting to
// cradle-monitor next to the current executable.
func (c *Config) ResolveMonitorBinary() (string, error) {
	if c.MonitorBinary != "" {
		return c.MonitorBinary, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "locate own executable")
	}
	return filepath.Join(filepath.Dir(self), "cradle-monitor"), nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}
