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

// Package fileops implements the filesystem operations exposed by the
// service: stat/listing, streaming read and write, mkdir, delete and
// move/copy. Every operation validates its paths through the path gate
// first and keeps the index store up to date afterwards.
package fileops

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/filegate/filegate/pkg/appctx"
	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/index"
	"github.com/filegate/filegate/pkg/mime"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
	"golang.org/x/sync/errgroup"
)

// listStatWorkers bounds the concurrent stats while listing a directory.
const listStatWorkers = 16

// FileInfo describes a single filesystem entry.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	MTime    string `json:"mtime"`
	IsHidden bool   `json:"isHidden"`
	MimeType string `json:"mimeType,omitempty"`
	FileID   string `json:"fileId,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// DirInfo is a FileInfo with the directory's entries.
type DirInfo struct {
	FileInfo
	Items []*FileInfo `json:"items"`
	Total int64       `json:"total"`
}

// InfoOptions control Info.
type InfoOptions struct {
	ShowHidden   bool
	ComputeSizes bool
}

// Ops bundles the dependencies of the file operations. The index store may
// be nil when indexing is disabled.
type Ops struct {
	gate    *pathgate.Gate
	applier *ownership.Applier
	store   *index.Store

	maxUploadBytes   int64
	maxDownloadBytes int64
}

// New returns an Ops. store may be nil.
func New(gate *pathgate.Gate, applier *ownership.Applier, store *index.Store, maxUploadBytes, maxDownloadBytes int64) *Ops {
	return &Ops{
		gate:             gate,
		applier:          applier,
		store:            store,
		maxUploadBytes:   maxUploadBytes,
		maxDownloadBytes: maxDownloadBytes,
	}
}

// Info stats a path. It returns a *FileInfo for files and a *DirInfo for
// directories.
func (o *Ops) Info(ctx context.Context, reqPath string, opts InfoOptions) (interface{}, error) {
	res, err := o.gate.Validate(ctx, reqPath, pathgate.Options{AllowBasePath: true})
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, errtypes.NotFound("not found")
	}

	if !fi.IsDir() {
		return o.fileInfo(ctx, reqPath, res, fi, opts.ComputeSizes), nil
	}

	entries, err := os.ReadDir(res.RealPath)
	if err != nil {
		return nil, errtypes.InternalError("cannot list directory")
	}

	items := make([]*FileInfo, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listStatWorkers)
	for i, e := range entries {
		if !opts.ShowHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		g.Go(func() error {
			childReq := path.Join(reqPath, e.Name())
			childRes := &pathgate.Result{
				RealPath: filepath.Join(res.RealPath, e.Name()),
				Base:     res.Base,
				RealBase: res.RealBase,
			}
			cfi, err := os.Stat(childRes.RealPath)
			if err != nil {
				// entries that vanish mid-listing are dropped silently
				return nil
			}
			items[i] = o.fileInfo(gctx, childReq, childRes, cfi, opts.ComputeSizes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := items[:0]
	for _, it := range items {
		if it != nil {
			kept = append(kept, it)
		}
	}

	var total int64
	if opts.ComputeSizes {
		for _, it := range kept {
			total += it.Size
		}
	}

	di := &DirInfo{
		FileInfo: FileInfo{
			Name:     filepath.Base(res.RealPath),
			Path:     reqPath,
			Type:     "directory",
			Size:     total,
			MTime:    fi.ModTime().UTC().Format(time.RFC3339),
			IsHidden: strings.HasPrefix(filepath.Base(res.RealPath), "."),
		},
		Items: kept,
		Total: total,
	}
	if id := o.identify(ctx, res); id != "" {
		di.FileID = id
	}
	return di, nil
}

// OpenRead validates a path and opens it for streaming download. The size
// cap applies to files; directory downloads are checked by the caller
// against the recursive size.
func (o *Ops) OpenRead(ctx context.Context, reqPath string) (*os.File, os.FileInfo, *pathgate.Result, error) {
	res, err := o.gate.Validate(ctx, reqPath, pathgate.Options{AllowBasePath: true})
	if err != nil {
		return nil, nil, nil, err
	}
	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, nil, nil, errtypes.NotFound("not found")
	}
	if fi.IsDir() {
		return nil, fi, res, nil
	}
	if fi.Size() > o.maxDownloadBytes {
		return nil, nil, nil, errtypes.PayloadTooLarge("file size exceeds download limit")
	}
	f, err := os.Open(res.RealPath)
	if err != nil {
		return nil, nil, nil, errtypes.InternalError("cannot open file")
	}
	return f, fi, res, nil
}

// fileInfo builds a FileInfo for an already-validated path.
func (o *Ops) fileInfo(ctx context.Context, reqPath string, res *pathgate.Result, fi os.FileInfo, computeSizes bool) *FileInfo {
	name := filepath.Base(res.RealPath)
	info := &FileInfo{
		Name:     name,
		Path:     reqPath,
		Type:     "file",
		Size:     fi.Size(),
		MTime:    fi.ModTime().UTC().Format(time.RFC3339),
		IsHidden: strings.HasPrefix(name, "."),
	}
	if fi.IsDir() {
		info.Type = "directory"
		info.Size = 0
		if computeSizes {
			if sz, err := DirSize(res.RealPath); err == nil {
				info.Size = sz
			}
		}
	} else {
		// falls back to content sniffing for unknown extensions
		info.MimeType = mime.DetectFile(res.RealPath)
	}
	if id := o.identify(ctx, res); id != "" {
		info.FileID = id
	}
	return info
}

// identify looks up the index id for a validated path, best-effort.
func (o *Ops) identify(ctx context.Context, res *pathgate.Result) string {
	if o.store == nil {
		return ""
	}
	rel, err := filepath.Rel(res.RealBase, res.RealPath)
	if err != nil || rel == "." {
		return ""
	}
	id, err := o.store.IdentifyPath(ctx, res.Base, rel)
	if err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Msg("index: identify failed")
		return ""
	}
	return id
}

// indexPath inserts or refreshes the index entry for a validated path,
// best-effort: index failures never fail the user request.
func (o *Ops) indexPath(ctx context.Context, res *pathgate.Result) string {
	if o.store == nil {
		return ""
	}
	rel, err := filepath.Rel(res.RealBase, res.RealPath)
	if err != nil || rel == "." {
		return ""
	}
	st, err := index.StatOf(res.RealPath)
	if err != nil {
		return ""
	}
	id, _, err := o.store.IndexFile(ctx, res.Base, rel, st, time.Now().UnixMilli())
	if err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Msg("index: update failed")
		return ""
	}
	return id
}

// removeFromIndex drops a validated path from the index, best-effort.
func (o *Ops) removeFromIndex(ctx context.Context, res *pathgate.Result, recursive bool) {
	if o.store == nil {
		return
	}
	rel, err := filepath.Rel(res.RealBase, res.RealPath)
	if err != nil || rel == "." {
		return
	}
	if recursive {
		err = o.store.RemoveFromIndexRecursive(ctx, res.Base, rel)
	} else {
		err = o.store.RemoveFromIndex(ctx, res.Base, rel)
	}
	if err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Msg("index: removal failed")
	}
}
