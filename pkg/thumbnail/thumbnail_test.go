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

package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
)

func newTestRenderer(t *testing.T) (*Renderer, string) {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gate := pathgate.New([]string{base}, ownership.NewApplier(-1, -1))
	return New(gate), base
}

func writeTestImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 50, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestRenderCoverPNG(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 400, 300)

	p := DefaultParams()
	p.Format = "png"
	res, err := r.Render(context.Background(), src, p)
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Len(t, res.ETag, 16)

	out, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 200, out.Bounds().Dy())
}

func TestRenderContainKeepsAspect(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 400, 200)

	p := DefaultParams()
	p.Format = "png"
	p.Fit = "contain"
	p.Width, p.Height = 100, 100
	res, err := r.Render(context.Background(), src, p)
	require.NoError(t, err)

	out, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())
}

func TestRenderInsideNeverUpscales(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 50, 40)

	p := DefaultParams()
	p.Format = "png"
	p.Fit = "inside"
	p.Width, p.Height = 500, 500
	res, err := r.Render(context.Background(), src, p)
	require.NoError(t, err)

	out, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 40, out.Bounds().Dy())
}

func TestRenderWebpDefault(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 100, 100)

	res, err := r.Render(context.Background(), src, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "image/webp", res.ContentType)
	assert.NotEmpty(t, res.Data)
	// RIFF container magic
	assert.Equal(t, []byte("RIFF"), res.Data[:4])
}

func TestRenderAvifNotSupported(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 10, 10)

	p := DefaultParams()
	p.Format = "avif"
	_, err := r.Render(context.Background(), src, p)
	var ns errtypes.NotSupported
	assert.ErrorAs(t, err, &ns)
}

func TestRenderErrors(t *testing.T) {
	r, base := newTestRenderer(t)
	ctx := context.Background()

	_, err := r.Render(ctx, filepath.Join(base, "missing.png"), DefaultParams())
	var nf errtypes.NotFound
	assert.ErrorAs(t, err, &nf)

	require.NoError(t, os.WriteFile(filepath.Join(base, "notimage.png"), []byte("plain text"), 0o644))
	_, err = r.Render(ctx, filepath.Join(base, "notimage.png"), DefaultParams())
	var br errtypes.BadRequest
	assert.ErrorAs(t, err, &br)
}

func TestParamsValidate(t *testing.T) {
	bad := []Params{
		{Width: 0, Height: 200, Fit: "cover", Position: "center", Format: "webp", Quality: 80},
		{Width: 200, Height: 2001, Fit: "cover", Position: "center", Format: "webp", Quality: 80},
		{Width: 200, Height: 200, Fit: "stretch", Position: "center", Format: "webp", Quality: 80},
		{Width: 200, Height: 200, Fit: "cover", Position: "corner", Format: "webp", Quality: 80},
		{Width: 200, Height: 200, Fit: "cover", Position: "center", Format: "gif", Quality: 80},
		{Width: 200, Height: 200, Fit: "cover", Position: "center", Format: "webp", Quality: 0},
		{Width: 200, Height: 200, Fit: "cover", Position: "center", Format: "webp", Quality: 101},
	}
	for i, p := range bad {
		assert.Error(t, p.Validate(), "case %d", i)
	}
	assert.NoError(t, DefaultParams().Validate())
}

func TestETagChangesWithParamsAndMtime(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 100, 100)
	ctx := context.Background()

	p := DefaultParams()
	etag1, _, err := r.Stat(ctx, src, p)
	require.NoError(t, err)
	etag2, _, err := r.Stat(ctx, src, p)
	require.NoError(t, err)
	assert.Equal(t, etag1, etag2)

	p.Width = 300
	etag3, _, err := r.Stat(ctx, src, p)
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag3)
}

func TestRenderUsesCache(t *testing.T) {
	r, base := newTestRenderer(t)
	src := filepath.Join(base, "img.png")
	writeTestImage(t, src, 100, 100)
	ctx := context.Background()

	p := DefaultParams()
	p.Format = "png"
	first, err := r.Render(ctx, src, p)
	require.NoError(t, err)
	second, err := r.Render(ctx, src, p)
	require.NoError(t, err)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Equal(t, first.Data, second.Data)
}
