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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
)

func TestMoveWithinBase(t *testing.T) {
	ops, base := newTestOps(t)
	ctx := context.Background()

	_, err := ops.WriteFile(ctx, base, "src.txt", nil, strings.NewReader("content"))
	require.NoError(t, err)
	idBefore, err := ops.store.IdentifyPath(ctx, base, "src.txt")
	require.NoError(t, err)
	require.NotEmpty(t, idBefore)

	info, err := ops.Transfer(ctx, TransferRequest{
		From: filepath.Join(base, "src.txt"),
		To:   filepath.Join(base, "sub", "dst.txt"),
		Mode: "move",
	})
	require.NoError(t, err)
	assert.Equal(t, "dst.txt", info.Name)
	assert.NoFileExists(t, filepath.Join(base, "src.txt"))
	assert.FileExists(t, filepath.Join(base, "sub", "dst.txt"))

	// the move keeps the inode, so the index id survives
	idAfter, err := ops.store.IdentifyPath(ctx, base, "sub/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, idBefore, idAfter)
}

func TestMoveMissingSource(t *testing.T) {
	ops, base := newTestOps(t)
	_, err := ops.Transfer(context.Background(), TransferRequest{
		From: filepath.Join(base, "nope"),
		To:   filepath.Join(base, "dst"),
		Mode: "move",
	})
	var nf errtypes.NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestMoveAcrossBasesIsRejected(t *testing.T) {
	base1, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	base2, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	applier := ownership.NewApplier(-1, -1)
	gate := pathgate.New([]string{base1, base2}, applier)
	ops := New(gate, applier, nil, 1<<20, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(base1, "f"), []byte("x"), 0o644))

	_, err = ops.Transfer(context.Background(), TransferRequest{
		From: filepath.Join(base1, "f"),
		To:   filepath.Join(base2, "f"),
		Mode: "move",
	})
	require.Error(t, err)
	assert.Equal(t, "paths are not in the same base path", err.Error())
}

func TestCopyEnsuresUniqueName(t *testing.T) {
	ops, base := newTestOps(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "b.txt"), []byte("new"), 0o644))

	req := TransferRequest{
		From: filepath.Join(base, "b.txt"),
		To:   filepath.Join(base, "a.txt"),
		Mode: "copy",
	}
	info, err := ops.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "a-01.txt", info.Name)

	info, err = ops.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "a-02.txt", info.Name)

	// the original was never overwritten
	data, err := os.ReadFile(filepath.Join(base, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	data, err = os.ReadFile(filepath.Join(base, "a-01.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestCopyDirectory(t *testing.T) {
	ops, base := newTestOps(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(base, "src", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "src", "sub", "f"), []byte("x"), 0o644))

	info, err := ops.Transfer(ctx, TransferRequest{
		From: filepath.Join(base, "src"),
		To:   filepath.Join(base, "dst"),
		Mode: "copy",
	})
	require.NoError(t, err)
	assert.Equal(t, "directory", info.Type)
	assert.FileExists(t, filepath.Join(base, "dst", "sub", "f"))
	// source untouched
	assert.FileExists(t, filepath.Join(base, "src", "sub", "f"))
}

func TestCrossBaseCopyRequiresOwnership(t *testing.T) {
	base1, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	base2, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	applier := ownership.NewApplier(-1, -1)
	gate := pathgate.New([]string{base1, base2}, applier)
	ops := New(gate, applier, nil, 1<<20, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(base1, "x"), []byte("x"), 0o644))

	_, err = ops.Transfer(context.Background(), TransferRequest{
		From: filepath.Join(base1, "x"),
		To:   filepath.Join(base2, "x"),
		Mode: "copy",
	})
	require.Error(t, err)
	assert.Equal(t, "cross-base copy requires ownership (ownerUid, ownerGid, fileMode)", err.Error())
	var br errtypes.BadRequest
	assert.ErrorAs(t, err, &br)
}

func TestInvalidTransferMode(t *testing.T) {
	ops, base := newTestOps(t)
	_, err := ops.Transfer(context.Background(), TransferRequest{
		From: filepath.Join(base, "a"),
		To:   filepath.Join(base, "b"),
		Mode: "link",
	})
	var br errtypes.BadRequest
	assert.ErrorAs(t, err, &br)
}

func TestEnsureUniqueName(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")

	// free target stays untouched
	assert.Equal(t, target, EnsureUniqueName(target))

	require.NoError(t, os.WriteFile(target, nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "a-01.txt"), EnsureUniqueName(target))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-01.txt"), nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "a-02.txt"), EnsureUniqueName(target))

	// extensionless names get the suffix at the end
	noExt := filepath.Join(dir, "noext")
	require.NoError(t, os.WriteFile(noExt, nil, 0o644))
	assert.Equal(t, filepath.Join(dir, "noext-01"), EnsureUniqueName(noExt))
}

func TestEnsureUniqueNameFallsBackToTimestamp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(target, nil, 0o644))
	for i := 1; i <= 99; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.Base(EnsureUniqueName(target))), nil, 0o644))
	}
	got := EnsureUniqueName(target)
	assert.Regexp(t, `a-\d{10,}\.txt$`, got)
}
