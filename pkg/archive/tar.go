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

// Package archive packs a container's writable layer into a compressed
// tarball and unpacks it again at restore time. Unpack reports every entry
// it created so a failed restore can be rolled back without touching
// unrelated content.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Pack writes a gzip-compressed tarball of every entry under srcDir to dst.
// Entry names are stored relative to srcDir.
func Pack(srcDir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create archive %s", dst)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	err = filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		link := ""
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "archive %s", srcDir)
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar writer")
	}
	if err := gzw.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	return out.Sync()
}

// Unpack extracts the tarball at src into destDir, which must already
// exist. It returns the absolute paths of all entries it created, in
// creation order; entries that already existed before extraction are
// overwritten in place but not reported, so a rollback never removes
// pre-existing content. On error the returned list still holds everything
// written so far.
func Unpack(src, destDir string) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %s", src)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read archive %s", src)
	}
	defer gzr.Close()

	var created []string
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return created, nil
		}
		if err != nil {
			return created, errors.Wrapf(err, "read archive %s", src)
		}
		target, err := sanitize(destDir, hdr.Name)
		if err != nil {
			return created, err
		}
		existed := pathExists(target)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return created, errors.Wrapf(err, "extract dir %s", hdr.Name)
			}
		case tar.TypeSymlink:
			if existed {
				if err := os.Remove(target); err != nil {
					return created, errors.Wrapf(err, "replace symlink %s", hdr.Name)
				}
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return created, errors.Wrapf(err, "extract symlink %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return created, errors.Wrapf(err, "extract file %s", hdr.Name)
			}
		case tar.TypeChar, tar.TypeBlock:
			// Overlay whiteouts are 0:0 character devices; they mark files
			// deleted in lower layers and must survive the round trip.
			if existed {
				if err := os.Remove(target); err != nil {
					return created, errors.Wrapf(err, "replace device %s", hdr.Name)
				}
			}
			if err := mknod(target, hdr); err != nil {
				return created, errors.Wrapf(err, "extract device %s", hdr.Name)
			}
		default:
			// Hard links and fifos do not occur in an overlay upperdir
			// produced by this system; skip rather than fail.
			continue
		}
		if hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeSymlink {
			// ustar headers carry no atime; fall back to mtime.
			atime := hdr.AccessTime
			if atime.IsZero() {
				atime = hdr.ModTime
			}
			if err := chtimes(target, atime, hdr.ModTime); err != nil {
				return created, errors.Wrapf(err, "restore times on %s", hdr.Name)
			}
		}
		if !existed {
			created = append(created, target)
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// sanitize rejects entry names that would escape destDir.
func sanitize(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", errors.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
