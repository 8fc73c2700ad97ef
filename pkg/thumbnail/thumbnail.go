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

// Package thumbnail renders resized versions of images below the base
// paths. Rendered bytes are cached in-memory keyed by the strong ETag, so
// a conditional revalidation or a repeated request never re-decodes the
// source image.
package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"os"
	"time"

	// Decoders for the source formats we accept.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/HugoSmits86/nativewebp"
	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"github.com/bluele/gcache"
	"github.com/pkg/errors"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/pathgate"
)

const (
	minDimension = 1
	maxDimension = 2000

	defaultDimension = 200
	defaultQuality   = 80

	cacheSize       = 256
	cacheExpiration = 10 * time.Minute
)

// Params are the validated rendering parameters.
type Params struct {
	Width    int
	Height   int
	Fit      string
	Position string
	Format   string
	Quality  int
}

// DefaultParams returns the parameter defaults applied before parsing.
func DefaultParams() Params {
	return Params{
		Width:    defaultDimension,
		Height:   defaultDimension,
		Fit:      "cover",
		Position: "center",
		Format:   "webp",
		Quality:  defaultQuality,
	}
}

var (
	validFits      = map[string]bool{"cover": true, "contain": true, "fill": true, "inside": true, "outside": true}
	validPositions = map[string]bool{"center": true, "top": true, "bottom": true, "left": true, "right": true, "entropy": true, "attention": true}
	validFormats   = map[string]bool{"webp": true, "jpeg": true, "png": true, "avif": true}
)

// Validate checks ranges and enumerations.
func (p Params) Validate() error {
	if p.Width < minDimension || p.Width > maxDimension || p.Height < minDimension || p.Height > maxDimension {
		return errtypes.BadRequest("width and height must be between 1 and 2000")
	}
	if !validFits[p.Fit] {
		return errtypes.BadRequest("invalid fit")
	}
	if !validPositions[p.Position] {
		return errtypes.BadRequest("invalid position")
	}
	if !validFormats[p.Format] {
		return errtypes.BadRequest("invalid format")
	}
	if p.Quality < 1 || p.Quality > 100 {
		return errtypes.BadRequest("quality must be between 1 and 100")
	}
	return nil
}

// key is the parameter part of the ETag input.
func (p Params) key() string {
	return fmt.Sprintf("%dx%d:%s:%s:%s:%d", p.Width, p.Height, p.Fit, p.Position, p.Format, p.Quality)
}

// Result is a rendered thumbnail.
type Result struct {
	Data        []byte
	ContentType string
	ETag        string
	MTime       time.Time
}

// Renderer renders thumbnails for validated paths.
type Renderer struct {
	gate  *pathgate.Gate
	cache gcache.Cache
}

// New returns a Renderer.
func New(gate *pathgate.Gate) *Renderer {
	return &Renderer{
		gate:  gate,
		cache: gcache.New(cacheSize).LRU().Build(),
	}
}

// Stat validates the path and computes the strong ETag without rendering.
// The HTTP layer uses it to answer conditional requests with 304.
func (r *Renderer) Stat(ctx context.Context, reqPath string, p Params) (string, time.Time, error) {
	res, err := r.gate.Validate(ctx, reqPath, pathgate.Options{})
	if err != nil {
		return "", time.Time{}, err
	}
	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return "", time.Time{}, errtypes.NotFound("not found")
	}
	if fi.IsDir() {
		return "", time.Time{}, errtypes.BadRequest("cannot thumbnail a directory")
	}
	return etagFor(res.RealPath, fi.ModTime(), p), fi.ModTime(), nil
}

// Render produces the thumbnail bytes for a path, from cache when possible.
func (r *Renderer) Render(ctx context.Context, reqPath string, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Format == "avif" {
		return nil, errtypes.NotSupported("avif encoding not supported")
	}

	res, err := r.gate.Validate(ctx, reqPath, pathgate.Options{})
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(res.RealPath)
	if err != nil {
		return nil, errtypes.NotFound("not found")
	}
	if fi.IsDir() {
		return nil, errtypes.BadRequest("cannot thumbnail a directory")
	}

	etag := etagFor(res.RealPath, fi.ModTime(), p)
	out := &Result{ContentType: "image/" + p.Format, ETag: etag, MTime: fi.ModTime()}
	if v, err := r.cache.Get(etag); err == nil {
		out.Data = v.([]byte)
		return out, nil
	}

	data, err := render(res.RealPath, p)
	if err != nil {
		return nil, err
	}
	_ = r.cache.SetWithExpire(etag, data, cacheExpiration)
	out.Data = data
	return out, nil
}

// etagFor derives the strong ETag from the real path, the source mtime in
// milliseconds and the rendering parameters.
func etagFor(realPath string, mtime time.Time, p Params) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", realPath, mtime.UnixMilli(), p.key())))
	return hex.EncodeToString(sum[:])[:16]
}

func render(realPath string, p Params) ([]byte, error) {
	f, err := os.Open(realPath)
	if err != nil {
		return nil, errtypes.InternalError("cannot open file")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errtypes.BadRequest(errors.Wrap(err, "cannot decode image").Error())
	}

	img = applyFit(img, p)

	var buf bytes.Buffer
	switch p.Format {
	case "webp":
		// nativewebp encodes losslessly; quality is ignored.
		err = nativewebp.Encode(&buf, img, nil)
	case "jpeg":
		err = imgio.JPEGEncoder(p.Quality)(&buf, img)
	case "png":
		err = imgio.PNGEncoder()(&buf, img)
	default:
		return nil, errtypes.NotSupported("format not supported")
	}
	if err != nil {
		return nil, errtypes.InternalError("cannot encode thumbnail")
	}
	return buf.Bytes(), nil
}

// applyFit resizes the source according to the fit mode. Cover scales to
// fully cover the target box and crops at the requested position; contain
// and inside preserve aspect inside the box, inside never upscaling;
// outside covers the box without cropping; fill ignores aspect.
func applyFit(img image.Image, p Params) image.Image {
	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()
	if srcW == 0 || srcH == 0 {
		return img
	}

	switch p.Fit {
	case "fill":
		return transform.Resize(img, p.Width, p.Height, transform.Linear)
	case "contain", "inside":
		scale := minf(float64(p.Width)/float64(srcW), float64(p.Height)/float64(srcH))
		if p.Fit == "inside" && scale > 1 {
			return img
		}
		return scaleBy(img, srcW, srcH, scale)
	case "outside":
		scale := maxf(float64(p.Width)/float64(srcW), float64(p.Height)/float64(srcH))
		return scaleBy(img, srcW, srcH, scale)
	default: // cover
		scale := maxf(float64(p.Width)/float64(srcW), float64(p.Height)/float64(srcH))
		scaled := scaleBy(img, srcW, srcH, scale)
		return cropAt(scaled, p.Width, p.Height, p.Position)
	}
}

func scaleBy(img image.Image, srcW, srcH int, scale float64) image.Image {
	w := int(float64(srcW)*scale + 0.5)
	h := int(float64(srcH)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return transform.Resize(img, w, h, transform.Linear)
}

// cropAt cuts a w×h window out of the scaled image. The entropy and
// attention positions fall back to center; content-aware cropping is not
// implemented.
func cropAt(img image.Image, w, h int, position string) image.Image {
	b := img.Bounds()
	if b.Dx() <= w && b.Dy() <= h {
		return img
	}
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + (b.Dy()-h)/2
	switch position {
	case "top":
		y = b.Min.Y
	case "bottom":
		y = b.Max.Y - h
	case "left":
		x = b.Min.X
	case "right":
		x = b.Max.X - w
	}
	return transform.Crop(img, image.Rect(x, y, x+w, y+h))
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
