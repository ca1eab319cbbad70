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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "monitor.pid")
	p := NewPIDFile(path)

	require.NoError(t, p.Acquire())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	pid, alive := p.Status()
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	p.Release()
	_, alive = p.Status()
	assert.False(t, alive)
	p.Release()
}

func TestPIDFileLiveOwnerRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	// The test process itself is the live owner.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))
	assert.ErrorIs(t, NewPIDFile(path).Acquire(), ErrAlreadyRunning)
}

func TestPIDFileStaleOwnerReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	// PID numbers wrap well below this on Linux, so it cannot be alive.
	require.NoError(t, os.WriteFile(path, []byte("4194304000"), 0o644))

	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	pid, alive := p.Status()
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}

func TestPIDFileGarbageTreatedAsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o644))

	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	pid, alive := p.Status()
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)
}
