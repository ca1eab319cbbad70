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

package archive

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"etc/hostname":  "web-1\n",
		"var/app/state": "running",
	})
	require.NoError(t, os.Symlink("state", filepath.Join(src, "var/app/current")))

	archivePath := filepath.Join(t.TempDir(), "upperdir.tar.gz")
	require.NoError(t, Pack(src, archivePath))

	dest := t.TempDir()
	created, err := Unpack(archivePath, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "web-1\n", string(data))

	link, err := os.Readlink(filepath.Join(dest, "var/app/current"))
	require.NoError(t, err)
	assert.Equal(t, "state", link)

	// Everything went into a fresh directory, so every entry is reported.
	assert.Contains(t, created, filepath.Join(dest, "etc/hostname"))
	assert.Contains(t, created, filepath.Join(dest, "var/app/current"))

	// Restored files keep their modification time.
	srcInfo, err := os.Stat(filepath.Join(src, "etc/hostname"))
	require.NoError(t, err)
	destInfo, err := os.Stat(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	assert.WithinDuration(t, srcInfo.ModTime(), destInfo.ModTime(), 2*time.Second)
}

func TestUnpackReportsOnlyNewEntries(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"etc/hostname": "new-name\n",
		"etc/motd":     "hello\n",
	})
	archivePath := filepath.Join(t.TempDir(), "upperdir.tar.gz")
	require.NoError(t, Pack(src, archivePath))

	dest := t.TempDir()
	writeTree(t, dest, map[string]string{"etc/hostname": "old-name\n"})

	created, err := Unpack(archivePath, dest)
	require.NoError(t, err)

	// The pre-existing file is overwritten but not reported.
	data, err := os.ReadFile(filepath.Join(dest, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "new-name\n", string(data))
	assert.NotContains(t, created, filepath.Join(dest, "etc/hostname"))
	assert.Contains(t, created, filepath.Join(dest, "etc/motd"))
}

func TestUnpackRejectsEscapingEntry(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	out, err := os.Create(archivePath)
	require.NoError(t, err)
	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     1,
	}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	require.NoError(t, out.Close())

	dest := t.TempDir()
	_, err = Unpack(archivePath, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape"))
}

func TestUnpackMissingArchive(t *testing.T) {
	_, err := Unpack(filepath.Join(t.TempDir(), "absent.tar.gz"), t.TempDir())
	require.Error(t, err)
}
