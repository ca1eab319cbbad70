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
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLoader writes a bundle config for (namespace, id) under a temp root
// and returns a loader pointed at it.
func testLoader(t *testing.T, namespace, id string, env []string) *ContainerLoader {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, namespace, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	spec := specs.Spec{Process: &specs.Process{Env: env}}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	return NewContainerLoader(filepath.Join(root, "%s", "%s", "config.json"))
}

func TestContainerLoadOptIn(t *testing.T) {
	l := testLoader(t, "default", "c1", []string{
		"PATH=/usr/bin",
		"CRADLE_ENABLE=1",
		"CRADLE_CHECKPOINT_HOST_PATH=/mnt/local",
		"CRADLE_NETWORKFS_HOST_PATH=/mnt/nfs",
		"CRADLE_WORKDIR=/srv/app",
	})
	cc := l.Load(context.Background(), "default", "c1")
	assert.True(t, cc.Enabled)
	assert.Equal(t, "/mnt/local", cc.CheckpointHostPath)
	assert.Equal(t, "/mnt/nfs", cc.NetworkFSHostPath)
	assert.Equal(t, "/srv/app", cc.WorkDir)
}

func TestContainerLoadNotOptedIn(t *testing.T) {
	ctx := context.Background()

	t.Run("marker absent", func(t *testing.T) {
		l := testLoader(t, "default", "c1", []string{"PATH=/usr/bin"})
		assert.False(t, l.Load(ctx, "default", "c1").Enabled)
	})

	t.Run("marker not one", func(t *testing.T) {
		l := testLoader(t, "default", "c1", []string{"CRADLE_ENABLE=true"})
		assert.False(t, l.Load(ctx, "default", "c1").Enabled)
	})

	t.Run("no bundle config", func(t *testing.T) {
		l := NewContainerLoader(filepath.Join(t.TempDir(), "%s", "%s", "config.json"))
		assert.False(t, l.Load(ctx, "default", "missing").Enabled)
	})

	t.Run("empty namespace or id", func(t *testing.T) {
		l := testLoader(t, "default", "c1", []string{"CRADLE_ENABLE=1"})
		assert.False(t, l.Load(ctx, "", "c1").Enabled)
		assert.False(t, l.Load(ctx, "default", "").Enabled)
	})

	t.Run("malformed bundle config", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "default", "c1")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{broken"), 0o644))
		l := NewContainerLoader(filepath.Join(root, "%s", "%s", "config.json"))
		assert.False(t, l.Load(ctx, "default", "c1").Enabled)
	})
}

func TestConfigPathFirstMatchWins(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	for _, root := range []string{rootA, rootB} {
		dir := filepath.Join(root, "default", "c1")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
	}

	l := NewContainerLoader(
		filepath.Join(rootA, "%s", "%s", "config.json"),
		filepath.Join(rootB, "%s", "%s", "config.json"),
	)
	path, err := l.ConfigPath("default", "c1")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s/default/c1/config.json", rootA), path)
}
