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

package fileops

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
)

// reservedNames are device names that must not be used as filenames.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
}

// sanitizeFilename strips separators and control characters. Callers
// reject any name that differs after sanitization; this is defense in
// depth against separator smuggling in the filename header.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	if s == "." || s == ".." {
		return ""
	}
	stem := strings.TrimSuffix(s, filepath.Ext(s))
	if reservedNames[strings.ToUpper(stem)] {
		return ""
	}
	return s
}

// WriteFile streams a single-request upload to disk, applies ownership and
// indexes the result. Partial files are unlinked on any failure.
func (o *Ops) WriteFile(ctx context.Context, dirPath, filename string, owner *ownership.Ownership, body io.Reader) (*FileInfo, error) {
	if filename == "" || sanitizeFilename(filename) != filename {
		return nil, errtypes.BadRequest("invalid filename")
	}

	reqPath := path.Join(dirPath, filename)
	res, err := o.gate.Validate(ctx, reqPath, pathgate.Options{CreateParents: true, Owner: owner})
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(res.RealPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errtypes.InternalError("cannot open destination")
	}
	written, err := io.Copy(f, io.LimitReader(body, o.maxUploadBytes+1))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(res.RealPath)
		return nil, errtypes.InternalError("error writing file")
	}
	if written > o.maxUploadBytes {
		os.Remove(res.RealPath)
		return nil, errtypes.PayloadTooLarge("file size exceeds limit")
	}

	if owner != nil {
		if err := o.applier.Apply(ctx, res.RealPath, owner, false); err != nil {
			os.Remove(res.RealPath)
			return nil, err
		}
	}

	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, errtypes.InternalError("cannot stat written file")
	}
	info := o.fileInfo(ctx, reqPath, res, fi, false)
	if id := o.indexPath(ctx, res); id != "" {
		info.FileID = id
	}
	return info, nil
}

// Mkdir creates a directory (and missing parents) and applies ownership.
// On ownership failure the created directory is rolled back.
func (o *Ops) Mkdir(ctx context.Context, reqPath string, owner *ownership.Ownership) (*FileInfo, error) {
	res, err := o.gate.Validate(ctx, reqPath, pathgate.Options{CreateParents: true, Owner: owner})
	if err != nil {
		return nil, err
	}

	created := false
	if _, err := os.Stat(res.RealPath); os.IsNotExist(err) {
		created = true
	}
	if err := os.MkdirAll(res.RealPath, 0o755); err != nil {
		return nil, errtypes.InternalError("cannot create directory")
	}
	if owner != nil {
		if err := o.applier.Apply(ctx, res.RealPath, owner, true); err != nil {
			if created {
				os.RemoveAll(res.RealPath)
			}
			return nil, err
		}
	}

	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, errtypes.InternalError("cannot stat directory")
	}
	info := o.fileInfo(ctx, reqPath, res, fi, false)
	if id := o.indexPath(ctx, res); id != "" {
		info.FileID = id
	}
	return info, nil
}

// Delete removes a path recursively. Index removal is best-effort; its
// failure is logged but the delete still succeeds.
func (o *Ops) Delete(ctx context.Context, reqPath string) error {
	res, err := o.gate.Validate(ctx, reqPath, pathgate.Options{})
	if err != nil {
		return err
	}
	fi, err := os.Lstat(res.RealPath)
	if err != nil {
		return errtypes.NotFound("not found")
	}
	if err := os.RemoveAll(res.RealPath); err != nil {
		return errtypes.InternalError("cannot delete path")
	}
	o.removeFromIndex(ctx, res, fi.IsDir())
	return nil
}
