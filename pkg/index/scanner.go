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

package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filegate/filegate/pkg/appctx"
	"golang.org/x/sync/errgroup"
)

// ScanResult tallies what a scan did.
type ScanResult struct {
	Scanned    int64 `json:"scanned"`
	Skipped    int64 `json:"skipped"`
	Added      int64 `json:"added"`
	Moved      int64 `json:"moved"`
	Removed    int64 `json:"removed"`
	DurationMs int64 `json:"durationMs"`
}

func (r *ScanResult) add(o *ScanResult) {
	r.Scanned += o.Scanned
	r.Skipped += o.Skipped
	r.Added += o.Added
	r.Moved += o.Moved
	r.Removed += o.Removed
	r.DurationMs += o.DurationMs
}

// Scanner walks base paths and keeps the Store in sync with the disk.
type Scanner struct {
	store       *Store
	concurrency int
}

// NewScanner returns a Scanner using at least one worker.
func NewScanner(store *Store, concurrency int) *Scanner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{store: store, concurrency: concurrency}
}

type scanCounters struct {
	scanned atomic.Int64
	skipped atomic.Int64
	added   atomic.Int64
	moved   atomic.Int64
}

// ScanBasePath walks one base breadth-first. Directories whose mtime
// matches the recorded scan state are skipped wholesale: their descendants
// only get their indexed_at bumped so the stale sweep leaves them alone.
// Entries whose indexed_at predates the scan start are gone from disk and
// are removed at the end.
func (sc *Scanner) ScanBasePath(ctx context.Context, base string) (*ScanResult, error) {
	start := time.Now()
	scanStart := start.UnixMilli()

	if _, err := os.Stat(base); err != nil {
		appctx.GetLogger(ctx).Warn().Str("base", base).Err(err).Msg("scan: cannot stat base, skipping")
		return &ScanResult{DurationMs: time.Since(start).Milliseconds()}, nil
	}

	var counters scanCounters

	// BFS in concurrency-bounded waves. Each directory enters the queue at
	// most once, so workers never collide on the same directory.
	queue := []string{"."}
	for len(queue) > 0 {
		var (
			mu   sync.Mutex
			next []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sc.concurrency)
		for _, dir := range queue {
			g.Go(func() error {
				children, err := sc.scanDir(gctx, base, dir, scanStart, &counters)
				if err != nil {
					return err
				}
				mu.Lock()
				next = append(next, children...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		queue = next
	}

	removed, err := sc.store.RemoveStaleEntries(ctx, base, scanStart)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{
		Scanned:    counters.scanned.Load(),
		Skipped:    counters.skipped.Load(),
		Added:      counters.added.Load(),
		Moved:      counters.moved.Load(),
		Removed:    removed,
		DurationMs: time.Since(start).Milliseconds(),
	}
	appctx.GetLogger(ctx).Info().
		Str("base", base).
		Int64("scanned", res.Scanned).Int64("skipped", res.Skipped).
		Int64("added", res.Added).Int64("moved", res.Moved).Int64("removed", res.Removed).
		Int64("duration_ms", res.DurationMs).
		Msg("scan finished")
	return res, nil
}

// scanDir processes one directory and returns the sub-directories to queue.
func (sc *Scanner) scanDir(ctx context.Context, base, dir string, scanStart int64, c *scanCounters) ([]string, error) {
	abs := filepath.Join(base, dir)
	fi, err := os.Stat(abs)
	if err != nil {
		// the directory vanished between discovery and processing
		return nil, nil
	}
	dirMtime := fi.ModTime().UnixMilli()

	stored, ok, err := sc.store.GetScanState(ctx, base, dir)
	if err != nil {
		return nil, err
	}
	if ok && stored == dirMtime {
		if err := sc.store.TouchIndexedAtUnderDir(ctx, base, dir, scanStart); err != nil {
			return nil, err
		}
		if err := sc.store.SetScanState(ctx, base, dir, dirMtime, scanStart); err != nil {
			return nil, err
		}
		c.skipped.Add(1)
		return nil, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, nil
	}

	var children []string
	for _, e := range entries {
		rel := e.Name()
		if dir != "." {
			rel = dir + "/" + e.Name()
		}
		st, err := StatOf(filepath.Join(abs, e.Name()))
		if err != nil {
			continue
		}
		_, action, err := sc.store.IndexFile(ctx, base, rel, st, scanStart)
		if err != nil {
			return nil, err
		}
		switch action {
		case ActionAdded:
			c.added.Add(1)
		case ActionMoved:
			c.moved.Add(1)
		}
		if st.IsDir {
			children = append(children, rel)
		}
	}

	if err := sc.store.SetScanState(ctx, base, dir, dirMtime, scanStart); err != nil {
		return nil, err
	}
	c.scanned.Add(1)
	return children, nil
}

// ScanAll scans every base sequentially and aggregates the counts.
func (sc *Scanner) ScanAll(ctx context.Context, bases []string) (*ScanResult, error) {
	total := &ScanResult{}
	for _, base := range bases {
		res, err := sc.ScanBasePath(ctx, base)
		if err != nil {
			return nil, err
		}
		total.add(res)
	}
	return total, nil
}
