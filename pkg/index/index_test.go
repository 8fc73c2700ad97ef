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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexFileAddExistingMoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := Stat{Dev: 1, Ino: 100, Size: 10, MTimeMs: 1000}

	id, action, err := s.IndexFile(ctx, "/base", "a.txt", st, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionAdded, action)
	require.NotEmpty(t, id)

	// same path again refreshes in place
	id2, action, err := s.IndexFile(ctx, "/base", "a.txt", Stat{Dev: 1, Ino: 100, Size: 20, MTimeMs: 2000}, 2)
	require.NoError(t, err)
	assert.Equal(t, ActionExisting, action)
	assert.Equal(t, id, id2)

	// same inode under a new path is a move that keeps the id
	id3, action, err := s.IndexFile(ctx, "/base", "b.txt", Stat{Dev: 1, Ino: 100, Size: 20, MTimeMs: 2000}, 3)
	require.NoError(t, err)
	assert.Equal(t, ActionMoved, action)
	assert.Equal(t, id, id3)

	got, err := s.IdentifyPath(ctx, "/base", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	gone, err := s.IdentifyPath(ctx, "/base", "a.txt")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestPathLookupWinsOverInode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idA, _, err := s.IndexFile(ctx, "/base", "a.txt", Stat{Dev: 1, Ino: 1}, 1)
	require.NoError(t, err)

	// a.txt got a reused inode belonging to another entry: the path match
	// must win and the entry keeps its id
	_, _, err = s.IndexFile(ctx, "/base", "other.txt", Stat{Dev: 1, Ino: 2}, 1)
	require.NoError(t, err)
	id, action, err := s.IndexFile(ctx, "/base", "a.txt", Stat{Dev: 1, Ino: 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, ActionExisting, action)
	assert.Equal(t, idA, id)
}

func TestResolveAndBulkResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.IndexFile(ctx, "/base", "f", Stat{Dev: 3, Ino: 7, Size: 42, MTimeMs: 9, IsDir: false}, 1)
	require.NoError(t, err)

	e, err := s.ResolveID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "/base", e.BasePath)
	assert.Equal(t, "f", e.RelPath)
	assert.Equal(t, uint64(3), e.Dev)
	assert.Equal(t, uint64(7), e.Ino)
	assert.Equal(t, int64(42), e.Size)

	missing, err := s.ResolveID(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)

	out, err := s.BulkResolve(ctx, []string{id, "nope"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotNil(t, out[id])
	assert.Nil(t, out["nope"])
}

func TestRemoveFromIndexRecursive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustIndex := func(rel string, ino uint64) {
		_, _, err := s.IndexFile(ctx, "/base", rel, Stat{Dev: 1, Ino: ino}, 1)
		require.NoError(t, err)
	}
	mustIndex("dir", 1)
	mustIndex("dir/a", 2)
	mustIndex("dir/sub/b", 3)
	mustIndex("dirx", 4)
	mustIndex("dirx/c", 5)

	require.NoError(t, s.RemoveFromIndexRecursive(ctx, "/base", "dir"))

	for rel, want := range map[string]bool{
		"dir": false, "dir/a": false, "dir/sub/b": false,
		"dirx": true, "dirx/c": true,
	} {
		id, err := s.IdentifyPath(ctx, "/base", rel)
		require.NoError(t, err)
		assert.Equal(t, want, id != "", "rel %q", rel)
	}
}

func TestRemoveFromIndexRecursiveEscapesLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// a directory name containing LIKE metacharacters must not match its
	// siblings
	mustIndex := func(rel string, ino uint64) {
		_, _, err := s.IndexFile(ctx, "/base", rel, Stat{Dev: 1, Ino: ino}, 1)
		require.NoError(t, err)
	}
	mustIndex("d%r", 1)
	mustIndex("d%r/x", 2)
	mustIndex("dir", 3)
	mustIndex("dir/y", 4)
	mustIndex("d_r/z", 5)

	require.NoError(t, s.RemoveFromIndexRecursive(ctx, "/base", "d%r"))

	for rel, want := range map[string]bool{
		"d%r": false, "d%r/x": false,
		"dir": true, "dir/y": true, "d_r/z": true,
	} {
		id, err := s.IdentifyPath(ctx, "/base", rel)
		require.NoError(t, err)
		assert.Equal(t, want, id != "", "rel %q", rel)
	}
}

func TestStaleSweepAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.IndexFile(ctx, "/base", "old", Stat{Dev: 1, Ino: 1}, 100)
	require.NoError(t, err)
	_, _, err = s.IndexFile(ctx, "/base", "kept/under", Stat{Dev: 1, Ino: 2}, 100)
	require.NoError(t, err)
	_, _, err = s.IndexFile(ctx, "/other", "old", Stat{Dev: 1, Ino: 3}, 100)
	require.NoError(t, err)

	// the skipped-subtree touch protects its descendants from the sweep
	require.NoError(t, s.TouchIndexedAtUnderDir(ctx, "/base", "kept", 200))

	n, err := s.RemoveStaleEntries(ctx, "/base", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	id, err := s.IdentifyPath(ctx, "/base", "kept/under")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// other bases are untouched
	id, err = s.IdentifyPath(ctx, "/other", "old")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestScanState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetScanState(ctx, "/base", ".")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetScanState(ctx, "/base", ".", 1234, 1))
	mtime, ok, err := s.GetScanState(ctx, "/base", ".")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1234), mtime)

	// upsert
	require.NoError(t, s.SetScanState(ctx, "/base", ".", 5678, 2))
	mtime, _, err = s.GetScanState(ctx, "/base", ".")
	require.NoError(t, err)
	assert.Equal(t, int64(5678), mtime)
}

func TestGetIndexStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.IndexFile(ctx, "/base", "f", Stat{Dev: 1, Ino: 1}, 1)
	require.NoError(t, err)
	_, _, err = s.IndexFile(ctx, "/base", "d", Stat{Dev: 1, Ino: 2, IsDir: true}, 1)
	require.NoError(t, err)

	st, err := s.GetIndexStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Files)
	assert.Equal(t, int64(1), st.Directories)
}
