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

// Package search expands glob patterns below the configured base paths.
package search

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/filegate/filegate/pkg/appctx"
	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/fileops"
	"github.com/filegate/filegate/pkg/index"
	"github.com/filegate/filegate/pkg/mime"
	"github.com/filegate/filegate/pkg/pathgate"
)

// maxPatternLen caps the length of a user-supplied glob pattern.
const maxPatternLen = 500

// errLimitReached stops a glob walk once the per-base limit is hit.
var errLimitReached = errors.New("limit reached")

// Request is a search over one or more base paths.
type Request struct {
	Paths       []string
	Pattern     string
	Limit       int
	Files       bool
	Directories bool
	ShowHidden  bool
}

// Response aggregates the matches of all searched bases.
type Response struct {
	Results    []*fileops.FileInfo `json:"results"`
	TotalFiles int                 `json:"totalFiles"`
	HasMore    bool                `json:"hasMore"`
}

// Searcher expands glob patterns. The index store may be nil.
type Searcher struct {
	gate  *pathgate.Gate
	store *index.Store

	maxResults   int
	maxWildcards int
}

// New returns a Searcher. store may be nil.
func New(gate *pathgate.Gate, store *index.Store, maxResults, maxWildcards int) *Searcher {
	return &Searcher{
		gate:         gate,
		store:        store,
		maxResults:   maxResults,
		maxWildcards: maxWildcards,
	}
}

// Search expands the pattern under every requested base in parallel and
// aggregates the matches. Each base is capped at the request limit.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	if len(req.Paths) == 0 {
		return nil, errtypes.BadRequest("missing paths")
	}
	if req.Pattern == "" || len(req.Pattern) > maxPatternLen {
		return nil, errtypes.BadRequest("invalid pattern")
	}
	if !req.Files && !req.Directories {
		return nil, errtypes.BadRequest("files and directories cannot both be false")
	}
	if strings.Count(req.Pattern, "**") > s.maxWildcards {
		return nil, errtypes.BadRequest("too many recursive wildcards")
	}
	if !doublestar.ValidatePattern(req.Pattern) {
		return nil, errtypes.BadRequest("invalid pattern")
	}
	limit := req.Limit
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}

	var (
		mu   sync.Mutex
		resp Response
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, base := range req.Paths {
		g.Go(func() error {
			matches, hasMore, err := s.searchBase(gctx, base, req, limit)
			if err != nil {
				return err
			}
			mu.Lock()
			resp.Results = append(resp.Results, matches...)
			resp.HasMore = resp.HasMore || hasMore
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.TotalFiles = len(resp.Results)
	return &resp, nil
}

// searchBase walks one base. The walk stops early once limit matches are
// collected and reports hasMore.
func (s *Searcher) searchBase(ctx context.Context, base string, req Request, limit int) ([]*fileops.FileInfo, bool, error) {
	res, err := s.gate.Validate(ctx, base, pathgate.Options{AllowBasePath: true})
	if err != nil {
		return nil, false, err
	}
	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, false, errtypes.NotFound("not found")
	}
	if !fi.IsDir() {
		return nil, false, errtypes.BadRequest("search path is not a directory")
	}

	var (
		matches []*fileops.FileInfo
		hasMore bool
	)
	pattern := strings.TrimPrefix(path.Clean(req.Pattern), "/")
	err = doublestar.GlobWalk(os.DirFS(res.RealPath), pattern, func(match string, d os.DirEntry) error {
		if !req.ShowHidden && isHidden(match) {
			return nil
		}
		if d.IsDir() && !req.Directories {
			return nil
		}
		if !d.IsDir() && !req.Files {
			return nil
		}
		entry, err := s.entry(ctx, base, res, match, d)
		if err != nil {
			// vanished mid-walk
			return nil
		}
		matches = append(matches, entry)
		if len(matches) >= limit {
			hasMore = true
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		appctx.GetLogger(ctx).Warn().Err(err).Str("base", base).Msg("search: glob walk failed")
		return nil, false, errtypes.InternalError("search failed")
	}
	return matches, hasMore, nil
}

// entry stats a matched path and builds its FileInfo.
func (s *Searcher) entry(ctx context.Context, base string, res *pathgate.Result, match string, d os.DirEntry) (*fileops.FileInfo, error) {
	fi, err := d.Info()
	if err != nil {
		return nil, err
	}
	name := filepath.Base(match)
	info := &fileops.FileInfo{
		Name:     name,
		Path:     path.Join(base, match),
		Type:     "file",
		Size:     fi.Size(),
		MTime:    fi.ModTime().UTC().Format(time.RFC3339),
		IsHidden: strings.HasPrefix(name, "."),
	}
	if fi.IsDir() {
		info.Type = "directory"
		info.Size = 0
	} else {
		info.MimeType = mime.Detect(false, name)
	}
	if s.store != nil {
		// index rows are keyed on the configured base, which the searched
		// path may only be a descendant of
		if rel, err := filepath.Rel(res.RealBase, filepath.Join(res.RealPath, match)); err == nil {
			if id, err := s.store.IdentifyPath(ctx, res.Base, rel); err == nil && id != "" {
				info.FileID = id
			}
		}
	}
	return info, nil
}

// isHidden reports whether any segment of a base-relative match starts
// with a dot.
func isHidden(match string) bool {
	for _, seg := range strings.Split(match, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
