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

package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/index"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
)

func newTestSearcher(t *testing.T) (*Searcher, string) {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gate := pathgate.New([]string{base}, ownership.NewApplier(-1, -1))
	return New(gate, nil, 100, 10), base
}

func seed(t *testing.T, base string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "docs", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".git"), 0o755))
	for _, f := range []string{"a.txt", "b.txt", "c.md", "docs/d.txt", "docs/deep/e.txt", ".git/f.txt", ".hidden.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(base, f), []byte("x"), 0o644))
	}
}

func TestSearchGlob(t *testing.T) {
	s, base := newTestSearcher(t)
	seed(t, base)

	resp, err := s.Search(context.Background(), Request{
		Paths: []string{base}, Pattern: "*.txt", Files: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalFiles) // a.txt, b.txt; hidden filtered
	assert.False(t, resp.HasMore)
}

func TestSearchRecursive(t *testing.T) {
	s, base := newTestSearcher(t)
	seed(t, base)

	resp, err := s.Search(context.Background(), Request{
		Paths: []string{base}, Pattern: "**/*.txt", Files: true,
	})
	require.NoError(t, err)

	var names []string
	for _, r := range resp.Results {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "d.txt", "e.txt"}, names)
}

func TestSearchShowHidden(t *testing.T) {
	s, base := newTestSearcher(t)
	seed(t, base)

	resp, err := s.Search(context.Background(), Request{
		Paths: []string{base}, Pattern: "**/*.txt", Files: true, ShowHidden: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, resp.TotalFiles) // plus .hidden.txt and .git/f.txt
}

func TestSearchDirectoriesFlag(t *testing.T) {
	s, base := newTestSearcher(t)
	seed(t, base)

	resp, err := s.Search(context.Background(), Request{
		Paths: []string{base}, Pattern: "docs*", Directories: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "docs", resp.Results[0].Name)
	assert.Equal(t, "directory", resp.Results[0].Type)
}

func TestSearchLimitAndHasMore(t *testing.T) {
	s, base := newTestSearcher(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(base, fmt.Sprintf("f%02d.txt", i)), []byte("x"), 0o644))
	}

	resp, err := s.Search(context.Background(), Request{
		Paths: []string{base}, Pattern: "*.txt", Files: true, Limit: 3,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.True(t, resp.HasMore)
}

func TestSearchValidation(t *testing.T) {
	s, base := newTestSearcher(t)
	ctx := context.Background()

	_, err := s.Search(ctx, Request{Paths: []string{base}, Pattern: "*", Files: false, Directories: false})
	var br errtypes.BadRequest
	assert.ErrorAs(t, err, &br)

	_, err = s.Search(ctx, Request{Paths: nil, Pattern: "*", Files: true})
	assert.ErrorAs(t, err, &br)

	_, err = s.Search(ctx, Request{Paths: []string{base}, Pattern: "", Files: true})
	assert.ErrorAs(t, err, &br)

	_, err = s.Search(ctx, Request{Paths: []string{base}, Pattern: strings.Repeat("a", 501), Files: true})
	assert.ErrorAs(t, err, &br)

	_, err = s.Search(ctx, Request{Paths: []string{base}, Pattern: strings.Repeat("**/", 11) + "*", Files: true})
	require.Error(t, err)
	assert.Equal(t, "too many recursive wildcards", err.Error())
}

func TestSearchPathMustBeDirectory(t *testing.T) {
	s, base := newTestSearcher(t)
	require.NoError(t, os.WriteFile(filepath.Join(base, "f"), []byte("x"), 0o644))

	_, err := s.Search(context.Background(), Request{
		Paths: []string{filepath.Join(base, "f")}, Pattern: "*", Files: true,
	})
	require.Error(t, err)
	assert.Equal(t, "search path is not a directory", err.Error())
}

func TestSearchOutsideBase(t *testing.T) {
	s, _ := newTestSearcher(t)
	_, err := s.Search(context.Background(), Request{
		Paths: []string{"/etc"}, Pattern: "*", Files: true,
	})
	var pd errtypes.PermissionDenied
	assert.ErrorAs(t, err, &pd)
}

func TestSearchSubdirCarriesFileID(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gate := pathgate.New([]string{base}, ownership.NewApplier(-1, -1))
	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.MkdirAll(filepath.Join(base, "docs"), 0o755))
	p := filepath.Join(base, "docs", "d.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	st, err := index.StatOf(p)
	require.NoError(t, err)
	id, _, err := store.IndexFile(context.Background(), base, "docs/d.txt", st, time.Now().UnixMilli())
	require.NoError(t, err)

	s := New(gate, store, 100, 10)

	// index rows key on the configured base even when the searched path is
	// a subdirectory or carries a trailing slash
	for _, searchPath := range []string{filepath.Join(base, "docs"), base + "/"} {
		resp, err := s.Search(context.Background(), Request{
			Paths: []string{searchPath}, Pattern: "**/*.txt", Files: true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results, "path %s", searchPath)
		assert.Equal(t, id, resp.Results[0].FileID, "path %s", searchPath)
	}
}
