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

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCreate(t *testing.T) {
	cmd, err := Parse([]string{"runc", "--root", "/run/containerd/runc/k8s.io", "create", "--bundle", "/b", "--pid-file", "/p", "c1"})
	require.NoError(t, err)

	assert.Equal(t, "runc", cmd.Binary)
	assert.Equal(t, "create", cmd.Subcommand)
	assert.Equal(t, Create, cmd.Kind())
	assert.Equal(t, "c1", cmd.ContainerID)
	assert.Equal(t, "k8s.io", cmd.Namespace)

	root, ok := cmd.GlobalOptions.Get("--root")
	require.True(t, ok)
	assert.Equal(t, "/run/containerd/runc/k8s.io", root)

	bundle, ok := cmd.SubcommandOptions.Get("--bundle")
	require.True(t, ok)
	assert.Equal(t, "/b", bundle)
}

func TestParseDefaultNamespace(t *testing.T) {
	for _, argv := range [][]string{
		{"runc", "create", "c1"},
		{"runc", "--root", "", "create", "c1"},
		{"runc", "--root", "/run/runc/", "create", "c1"},
	} {
		cmd, err := Parse(argv)
		require.NoError(t, err, "argv %v", argv)
		assert.Equal(t, DefaultNamespace, cmd.Namespace, "argv %v", argv)
	}
}

func TestParseBareFlagNeverConsumesNextOption(t *testing.T) {
	cmd, err := Parse([]string{"runc", "--debug", "--root", "/run/runc/ns1", "delete", "--force", "c1"})
	require.NoError(t, err)

	debug, ok := cmd.GlobalOptions.Get("--debug")
	require.True(t, ok)
	assert.Empty(t, debug, "--debug must be a bare flag")

	root, ok := cmd.GlobalOptions.Get("--root")
	require.True(t, ok)
	assert.Equal(t, "/run/runc/ns1", root)

	assert.True(t, cmd.SubcommandOptions.Has("--force"))
	assert.Equal(t, "ns1", cmd.Namespace)
	assert.Equal(t, "c1", cmd.ContainerID)
}

func TestParseNoContainerID(t *testing.T) {
	cmd, err := Parse([]string{"runc", "--root", "/run/runc/default", "list"})
	require.NoError(t, err)
	assert.Equal(t, "list", cmd.Subcommand)
	assert.Equal(t, Other, cmd.Kind())
	assert.Empty(t, cmd.ContainerID)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = Parse([]string{"runc"})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = Parse([]string{"runc", "--help"})
	assert.ErrorIs(t, err, ErrNoSubcommand)

	_, err = Parse([]string{"runc", "--root", "/run/runc/default"})
	assert.ErrorIs(t, err, ErrNoSubcommand)
}

func TestParseRoundTrip(t *testing.T) {
	for _, argv := range [][]string{
		{"runc", "--root", "/run/x/default", "create", "--bundle", "/b", "c1"},
		{"runc", "--debug", "--log-format", "json", "start", "c2"},
		{"runc", "checkpoint", "--leave-running", "--image-path", "/img", "c3"},
		{"runc", "--root", "/run/runc/ns", "list"},
		{"runc", "delete", "--force", "c4"},
	} {
		first, err := Parse(argv)
		require.NoError(t, err, "argv %v", argv)
		second, err := Parse(first.Rebuild())
		require.NoError(t, err, "rebuilt argv of %v", argv)
		// raw differs by construction; the structured views must match.
		assert.Equal(t, first.GlobalOptions, second.GlobalOptions, "argv %v", argv)
		assert.Equal(t, first.Subcommand, second.Subcommand, "argv %v", argv)
		assert.Equal(t, first.SubcommandOptions, second.SubcommandOptions, "argv %v", argv)
		assert.Equal(t, first.ContainerID, second.ContainerID, "argv %v", argv)
		assert.Equal(t, first.Namespace, second.Namespace, "argv %v", argv)
	}
}

func TestArgvIsVerbatim(t *testing.T) {
	argv := []string{"runc", "--root", "/run/x/default", "create", "--bundle", "/b", "c1"}
	cmd, err := Parse(argv)
	require.NoError(t, err)
	assert.Equal(t, argv, cmd.Argv())

	// Mutating the returned copy must not affect the command.
	cmd.Argv()[0] = "mutated"
	assert.Equal(t, argv, cmd.Argv())
}

func TestRewriteCreateToRestore(t *testing.T) {
	cmd, err := Parse([]string{"runtime", "--root", "/run/x/default", "create", "--bundle", "/b", "c1"})
	require.NoError(t, err)

	argv := cmd.Rewrite("restore",
		WithFlag("--detach"),
		WithOption("--image-path", "P"),
	)
	assert.Equal(t, []string{"runtime", "--root", "/run/x/default", "restore", "--detach", "--image-path", "P", "--bundle", "/b", "c1"}, argv)
}

func TestRewriteCheckpointStripsAndReplaces(t *testing.T) {
	cmd, err := Parse([]string{"runc", "checkpoint", "--work-path", "/w", "--leave-running", "--image-path", "/old", "--file-locks", "c1"})
	require.NoError(t, err)

	argv := cmd.Rewrite("checkpoint",
		WithoutOptions("--work-path", "--leave-running"),
		WithOption("--image-path", "/new"),
	)
	assert.Equal(t, []string{"runc", "checkpoint", "--image-path", "/new", "--file-locks", "c1"}, argv)
}

func TestOptionsLastOccurrenceWins(t *testing.T) {
	cmd, err := Parse([]string{"runc", "create", "--bundle", "/first", "--bundle", "/second", "c1"})
	require.NoError(t, err)
	v, ok := cmd.SubcommandOptions.Get("--bundle")
	require.True(t, ok)
	assert.Equal(t, "/second", v)
}
