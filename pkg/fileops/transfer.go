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
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
)

// TransferRequest describes a move or copy.
type TransferRequest struct {
	From             string
	To               string
	Mode             string // "move" or "copy"
	EnsureUniqueName bool
	Owner            *ownership.Ownership
}

// Transfer moves or copies a path. Moves require both endpoints in the
// same base; copies across bases require an ownership tuple for the
// destination.
func (o *Ops) Transfer(ctx context.Context, req TransferRequest) (*FileInfo, error) {
	switch req.Mode {
	case "move":
		return o.move(ctx, req)
	case "copy":
		return o.copy(ctx, req)
	default:
		return nil, errtypes.BadRequest("invalid transfer mode")
	}
}

func (o *Ops) move(ctx context.Context, req TransferRequest) (*FileInfo, error) {
	fromRes, toRes, err := o.gate.ValidateSameBase(ctx, req.From, req.To,
		pathgate.Options{CreateParents: true, Owner: req.Owner})
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(fromRes.RealPath); err != nil {
		return nil, errtypes.NotFound("source not found")
	}

	dest := toRes.RealPath
	if req.EnsureUniqueName {
		dest = EnsureUniqueName(dest)
	}
	if err := os.Rename(fromRes.RealPath, dest); err != nil {
		return nil, errtypes.InternalError("cannot move path")
	}
	if req.Owner != nil {
		if err := o.applier.ApplyRecursive(ctx, dest, req.Owner); err != nil {
			return nil, err
		}
	}

	destRes := &pathgate.Result{RealPath: dest, Base: toRes.Base, RealBase: toRes.RealBase}
	return o.finishTransfer(ctx, req.To, dest, destRes)
}

func (o *Ops) copy(ctx context.Context, req TransferRequest) (*FileInfo, error) {
	fromRes, err := o.gate.Validate(ctx, req.From, pathgate.Options{})
	if err != nil {
		return nil, err
	}
	srcInfo, err := os.Lstat(fromRes.RealPath)
	if err != nil {
		return nil, errtypes.NotFound("source not found")
	}

	toBase, err := o.gate.MatchBase(req.To)
	if err != nil {
		return nil, err
	}
	if toBase != fromRes.Base && req.Owner == nil {
		return nil, errtypes.BadRequest("cross-base copy requires ownership (ownerUid, ownerGid, fileMode)")
	}

	toRes, err := o.gate.Validate(ctx, req.To, pathgate.Options{CreateParents: true, Owner: req.Owner})
	if err != nil {
		return nil, err
	}

	dest := EnsureUniqueName(toRes.RealPath)
	if err := copyRecursive(fromRes.RealPath, dest, srcInfo); err != nil {
		os.RemoveAll(dest)
		return nil, errtypes.InternalError("cannot copy path")
	}
	if req.Owner != nil {
		if err := o.applier.ApplyRecursive(ctx, dest, req.Owner); err != nil {
			os.RemoveAll(dest)
			return nil, err
		}
	}

	destRes := &pathgate.Result{RealPath: dest, Base: toRes.Base, RealBase: toRes.RealBase}
	return o.finishTransfer(ctx, req.To, dest, destRes)
}

// finishTransfer stats the destination, indexes it and builds the
// response. The reported path reflects a rewritten unique name.
func (o *Ops) finishTransfer(ctx context.Context, reqTo, dest string, destRes *pathgate.Result) (*FileInfo, error) {
	fi, err := os.Stat(dest)
	if err != nil {
		return nil, errtypes.InternalError("cannot stat destination")
	}
	reportedPath := reqTo
	if filepath.Base(dest) != path.Base(reqTo) {
		reportedPath = path.Join(path.Dir(reqTo), filepath.Base(dest))
	}
	info := o.fileInfo(ctx, reportedPath, destRes, fi, false)
	if id := o.indexPath(ctx, destRes); id != "" {
		info.FileID = id
	}
	return info, nil
}

// EnsureUniqueName returns p when it is free, otherwise the first
// non-existing variant of the form <stem>-01.<ext> .. <stem>-99.<ext>,
// falling back to a unix-millisecond suffix when all two-digit variants
// are taken.
func EnsureUniqueName(p string) string {
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return p
	}
	dir := filepath.Dir(p)
	base := filepath.Base(p)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; i <= 99; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%02d%s", stem, i, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, time.Now().UnixMilli(), ext))
}

// copyRecursive copies a file or a tree, preserving permission bits.
func copyRecursive(src, dst string, srcInfo os.FileInfo) error {
	if srcInfo.IsDir() {
		if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ei, err := e.Info()
			if err != nil {
				continue
			}
			if err := copyRecursive(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), ei); err != nil {
				return err
			}
		}
		return nil
	}

	if srcInfo.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
