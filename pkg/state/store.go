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

// Package state persists per-container lifecycle flags across the many
// short-lived shim processes and the event monitor. Each container key owns
// one JSON file; every read-modify-write happens under an exclusive advisory
// lock on that file, so the unit of isolation is the OS process, not a
// goroutine.
package state

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/locker"
	"github.com/pkg/errors"

	"github.com/cradle-sh/cradle/pkg/log"
)

// Key identifies a container across every component.
type Key struct {
	Namespace string
	ID        string
}

func (k Key) String() string {
	return k.Namespace + "/" + k.ID
}

// Flag names a boolean field of the persisted state.
type Flag string

const (
	// SkipStart makes the next start invocation a no-op; set after a
	// successful restore, since the restored task is already running.
	SkipStart Flag = "skip_start"

	// SkipResume makes the next resume invocation a no-op; set after a
	// successful checkpoint.
	SkipResume Flag = "skip_resume"

	// KeepResources preserves the checkpoint image on delete, set when a
	// checkpoint was taken for migration.
	KeepResources Flag = "keep_resources"
)

const stateVersion = "1"

type document struct {
	Version       string    `json:"version"`
	SkipStart     bool      `json:"skip_start"`
	SkipResume    bool      `json:"skip_resume"`
	KeepResources bool      `json:"keep_resources"`
	ExitCode      *int      `json:"exit_code"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Store reads and writes per-container state documents under a single
// directory.
type Store struct {
	dir string

	// locks serializes goroutines of this process per key; the flock below
	// only arbitrates between processes.
	locks *locker.Locker
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}
	return &Store{dir: dir, locks: locker.New()}, nil
}

func (s *Store) path(key Key) string {
	return filepath.Join(s.dir, key.Namespace+"_"+key.ID+".json")
}

// Has reports whether a state document exists for key.
func (s *Store) Has(key Key) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Create writes a fresh document for key. An existing document is reset;
// create marks the beginning of a new container lifetime.
func (s *Store) Create(ctx context.Context, key Key) error {
	return s.update(ctx, key, func(d *document) {
		*d = document{Version: stateVersion}
	})
}

// GetFlag returns the flag value, false when the document is missing or
// unreadable. Store trouble is never surfaced to the caller as an error;
// the default value keeps the shim behaving as if uninstalled.
func (s *Store) GetFlag(ctx context.Context, key Key, flag Flag) bool {
	doc, ok := s.read(ctx, key)
	if !ok {
		return false
	}
	switch flag {
	case SkipStart:
		return doc.SkipStart
	case SkipResume:
		return doc.SkipResume
	case KeepResources:
		return doc.KeepResources
	default:
		log.G(ctx).WithField("flag", flag).Warn("unknown state flag requested")
		return false
	}
}

// SetFlag sets the flag, creating the document if it does not exist yet.
func (s *Store) SetFlag(ctx context.Context, key Key, flag Flag, value bool) error {
	return s.update(ctx, key, func(d *document) {
		switch flag {
		case SkipStart:
			d.SkipStart = value
		case SkipResume:
			d.SkipResume = value
		case KeepResources:
			d.KeepResources = value
		}
	})
}

// ExitCode returns the recorded exit code. ok is false while the exit event
// has not been observed; that state is distinct from an exit code of 0.
func (s *Store) ExitCode(ctx context.Context, key Key) (code int, ok bool) {
	doc, exists := s.read(ctx, key)
	if !exists || doc.ExitCode == nil {
		return 0, false
	}
	return *doc.ExitCode, true
}

// SetExitCode records the container's exit status as observed on the event
// stream.
func (s *Store) SetExitCode(ctx context.Context, key Key, code int) error {
	return s.update(ctx, key, func(d *document) {
		d.ExitCode = &code
	})
}

// Clear removes the state document. A missing document is not an error.
func (s *Store) Clear(ctx context.Context, key Key) error {
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear state for %s", key)
	}
	return nil
}

// List returns every key with a state document.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list state dir %s", s.dir)
	}
	var keys []Key
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ns, id, ok := strings.Cut(strings.TrimSuffix(name, ".json"), "_")
		if !ok || ns == "" || id == "" {
			continue
		}
		keys = append(keys, Key{Namespace: ns, ID: id})
	}
	return keys, nil
}

// read loads the document under a shared lock. Corrupt or partial files are
// logged and treated as absent rather than failing the caller.
func (s *Store) read(ctx context.Context, key Key) (document, bool) {
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	f, err := os.Open(s.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("container", key).Warn("cannot open state file")
		}
		return document{}, false
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		log.G(ctx).WithError(err).WithField("container", key).Warn("cannot lock state file")
		return document{}, false
	}
	defer unlockFile(f)

	doc, err := decode(f)
	if err != nil {
		log.G(ctx).WithError(err).WithField("container", key).Warn("corrupt state file, treating as absent")
		return document{}, false
	}
	return doc, true
}

// update performs one atomic read-modify-write under an exclusive lock,
// creating the document if missing.
func (s *Store) update(ctx context.Context, key Key, mutate func(*document)) error {
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	f, err := os.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open state file for %s", key)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return errors.Wrapf(err, "lock state file for %s", key)
	}
	defer unlockFile(f)

	doc, err := decode(f)
	if err != nil {
		log.G(ctx).WithError(err).WithField("container", key).Warn("corrupt state file, rewriting")
		doc = document{Version: stateVersion}
	}
	if doc.Version == "" {
		doc.Version = stateVersion
	}

	mutate(&doc)
	doc.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "encode state for %s", key)
	}
	if err := f.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate state file for %s", key)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return errors.Wrapf(err, "write state file for %s", key)
	}
	return nil
}

func decode(f *os.File) (document, error) {
	var doc document
	data, err := io.ReadAll(f)
	if err != nil {
		return doc, err
	}
	if len(data) == 0 {
		return document{Version: stateVersion}, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}
