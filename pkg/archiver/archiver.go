// Copyright 2024-2026 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package archiver streams a directory subtree as a tar archive for
// directory downloads.
package archiver

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/filegate/filegate/pkg/errtypes"
)

// StreamTar writes the subtree rooted at realPath into dst as an
// uncompressed tar. Entry names are rooted at the directory's basename.
// Symlinks are skipped; only regular files and directories are archived.
// The cumulative size of the archived files is capped at maxBytes.
func StreamTar(ctx context.Context, realPath string, maxBytes int64, dst io.Writer) error {
	w := tar.NewWriter(dst)
	rootName := filepath.Base(realPath)

	var total int64
	err := filepath.WalkDir(realPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(realPath, p)
		if err != nil {
			return err
		}
		name := rootName
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(rootName, rel))
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}

		header := tar.Header{
			Name:    name,
			ModTime: fi.ModTime(),
		}
		if d.IsDir() {
			header.Typeflag = tar.TypeDir
			header.Mode = 0755
			return w.WriteHeader(&header)
		}

		total += fi.Size()
		if total > maxBytes {
			return errtypes.PayloadTooLarge("directory size exceeds download limit")
		}
		header.Typeflag = tar.TypeReg
		header.Mode = 0644
		header.Size = fi.Size()
		if err := w.WriteHeader(&header); err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		// CopyN pins the written bytes to the announced header size even if
		// the file grows mid-stream.
		if _, err := io.CopyN(w, f, fi.Size()); err != nil && err != io.EOF {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.Close()
}
