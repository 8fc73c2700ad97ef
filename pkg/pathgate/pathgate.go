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

// Package pathgate validates user-supplied paths against the configured
// base paths. Every reading or mutating operation passes through it before
// touching the filesystem: it resolves symlinks, pins the result inside a
// whitelisted base and optionally prepares parent directories with
// ownership. The post-resolution containment check is the security
// boundary of the whole service.
package pathgate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
)

// Options control a single validation.
type Options struct {
	// AllowBasePath permits the path to be a configured base itself.
	AllowBasePath bool
	// CreateParents creates the parent chain of the target before symlink
	// resolution.
	CreateParents bool
	// Owner, when set together with CreateParents, is applied to every
	// created parent level below the base.
	Owner *ownership.Ownership
}

// Result is a successfully validated path.
type Result struct {
	// RealPath is the symlink-resolved absolute path of the target. For
	// targets that do not exist yet it is realpath(parent)/basename.
	RealPath string
	// Base is the configured base path the input matched lexically.
	Base string
	// RealBase is the symlink-resolved base path.
	RealBase string
}

// Gate validates paths against a fixed set of base paths.
type Gate struct {
	bases   []string
	applier *ownership.Applier

	mu        sync.Mutex
	realBases map[string]string
}

// New returns a Gate for the given base paths. The bases are expected to be
// absolute and lexically cleaned; config validation guarantees that.
func New(bases []string, applier *ownership.Applier) *Gate {
	return &Gate{
		bases:     bases,
		applier:   applier,
		realBases: make(map[string]string, len(bases)),
	}
}

// Validate runs the path gate on a user-supplied path.
func (g *Gate) Validate(ctx context.Context, p string, opts Options) (*Result, error) {
	if p == "" || !filepath.IsAbs(p) {
		return nil, errtypes.BadRequest("invalid path")
	}
	p = filepath.Clean(p)

	base, err := g.matchBase(p, opts.AllowBasePath)
	if err != nil {
		return nil, err
	}

	realBase, err := g.realBase(base)
	if err != nil {
		return nil, err
	}

	if opts.CreateParents {
		if err := g.prepareParents(ctx, p, realBase, opts.Owner); err != nil {
			return nil, err
		}
	}

	realPath, err := resolve(p)
	if err != nil {
		return nil, err
	}

	// Containment is re-checked on the resolved path. A symlink inside the
	// base pointing outside of it fails here.
	if realPath != realBase && !strings.HasPrefix(realPath, realBase+string(filepath.Separator)) {
		return nil, errtypes.PermissionDenied("symlink escape not allowed")
	}

	return &Result{RealPath: realPath, Base: base, RealBase: realBase}, nil
}

// ValidateSameBase validates two paths and requires them to resolve into
// the same base. Move and intra-base copy use it; toOpts applies to the
// destination only.
func (g *Gate) ValidateSameBase(ctx context.Context, from, to string, toOpts Options) (*Result, *Result, error) {
	fromRes, err := g.Validate(ctx, from, Options{})
	if err != nil {
		return nil, nil, err
	}
	toRes, err := g.Validate(ctx, to, toOpts)
	if err != nil {
		return nil, nil, err
	}
	if fromRes.Base != toRes.Base {
		return nil, nil, errtypes.BadRequest("paths are not in the same base path")
	}
	return fromRes, toRes, nil
}

// MatchBase returns the configured base a path belongs to lexically,
// without touching the filesystem. Transfer uses it to distinguish
// same-base from cross-base destinations before validating.
func (g *Gate) MatchBase(p string) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return "", errtypes.BadRequest("invalid path")
	}
	return g.matchBase(filepath.Clean(p), false)
}

// matchBase finds the first base the lexically normalized input lives in.
func (g *Gate) matchBase(p string, allowBase bool) (string, error) {
	for _, b := range g.bases {
		if p == b {
			if !allowBase {
				return "", errtypes.PermissionDenied("cannot operate on base path")
			}
			return b, nil
		}
		if strings.HasPrefix(p, b+string(filepath.Separator)) {
			return b, nil
		}
	}
	return "", errtypes.PermissionDenied("path not allowed")
}

// realBase resolves a base through symlinks once and memoizes the result.
// Bases do not change for the lifetime of the process.
func (g *Gate) realBase(base string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rb, ok := g.realBases[base]; ok {
		return rb, nil
	}
	rb, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", errtypes.InternalError("cannot resolve base path")
	}
	g.realBases[base] = rb
	return rb, nil
}

// prepareParents creates the parent chain of the normalized target and,
// when ownership is given, applies the directory mode from the leaf parent
// upward, stopping strictly before the real base.
func (g *Gate) prepareParents(ctx context.Context, p, realBase string, owner *ownership.Ownership) error {
	parent := filepath.Dir(p)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errtypes.InternalError("cannot create parent directories")
	}
	if owner == nil {
		return nil
	}

	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return errtypes.InternalError("cannot resolve parent directory")
	}
	for dir := realParent; dir != realBase && strings.HasPrefix(dir, realBase+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if err := g.applier.Apply(ctx, dir, owner, true); err != nil {
			return err
		}
	}
	return nil
}

// resolve evaluates symlinks on the target. Not-yet-existing targets are
// resolved through their parent.
func resolve(p string) (string, error) {
	realPath, err := filepath.EvalSymlinks(p)
	if err == nil {
		return realPath, nil
	}
	if !os.IsNotExist(err) {
		return "", errtypes.BadRequest("cannot resolve path")
	}

	realParent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errtypes.NotFound("not found")
		}
		return "", errtypes.BadRequest("cannot resolve path")
	}
	return filepath.Join(realParent, filepath.Base(p)), nil
}
