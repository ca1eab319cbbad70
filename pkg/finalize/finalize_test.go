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

package finalize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cradle-sh/cradle/pkg/config"
	"github.com/cradle-sh/cradle/pkg/runtimestate"
	"github.com/cradle-sh/cradle/pkg/state"
)

// fakeRunc writes a shell script that answers every `runc state` query
// with the given JSON.
func fakeRunc(t *testing.T, stateJSON string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runc")
	script := "#!/bin/sh\necho '" + stateJSON + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunCheckpointsRunningContainers(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetFlag(ctx, state.Key{Namespace: "default", ID: "c1"}, state.SkipStart, false))

	runtime := runtimestate.NewClient(fakeRunc(t, `{"status":"running"}`))
	f := New(config.Default(), store, runtime)

	var calls [][]string
	f.runCtr = func(ctx context.Context, args ...string) error {
		calls = append(calls, args)
		return nil
	}

	require.NoError(t, f.Run(ctx))
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"--namespace", "default", "containers", "checkpoint", "--task", "c1", "checkpoint/c1"}, calls[0])
	assert.Equal(t, []string{"--namespace", "default", "task", "kill", "c1"}, calls[1])
	assert.Equal(t, []string{"--namespace", "default", "task", "rm", "c1"}, calls[2])
	assert.Equal(t, []string{"--namespace", "default", "container", "rm", "c1"}, calls[3])
}

func TestRunSkipsStoppedContainers(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SetFlag(ctx, state.Key{Namespace: "default", ID: "c1"}, state.SkipStart, false))

	runtime := runtimestate.NewClient(fakeRunc(t, `{"status":"stopped","exitCode":0}`))
	f := New(config.Default(), store, runtime)

	var calls int
	f.runCtr = func(ctx context.Context, args ...string) error {
		calls++
		return nil
	}

	require.NoError(t, f.Run(ctx))
	assert.Zero(t, calls)
}

func TestRunEmptyStore(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	f := New(config.Default(), store, runtimestate.NewClient("/nonexistent"))
	assert.NoError(t, f.Run(context.Background()))
}
