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

// Package ownership parses uid/gid/mode triples and applies them to files
// and directory trees.
package ownership

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/filegate/filegate/pkg/appctx"
	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var modeRegexp = regexp.MustCompile(`^[0-7]{3,4}$`)

// Ownership is the uid/gid/mode tuple applied to created or copied entries.
type Ownership struct {
	UID      int
	GID      int
	FileMode os.FileMode
	DirMode  os.FileMode
}

// Parse builds an Ownership from its string form. dirMode may be empty, in
// which case it is derived from fileMode. uid and gid must be non-negative
// integers, modes 3- or 4-digit octal strings.
func Parse(uid, gid, fileMode, dirMode string) (*Ownership, error) {
	u, err := strconv.Atoi(uid)
	if err != nil || u < 0 {
		return nil, errtypes.BadRequest("invalid uid")
	}
	g, err := strconv.Atoi(gid)
	if err != nil || g < 0 {
		return nil, errtypes.BadRequest("invalid gid")
	}
	fm, err := parseMode(fileMode)
	if err != nil {
		return nil, err
	}

	o := &Ownership{UID: u, GID: g, FileMode: fm}
	if dirMode == "" {
		o.DirMode = DeriveDirMode(fm)
	} else {
		dm, err := parseMode(dirMode)
		if err != nil {
			return nil, err
		}
		o.DirMode = dm
	}
	return o, nil
}

// FromValues is Parse with the ids already numeric.
func FromValues(uid, gid int, fileMode, dirMode string) (*Ownership, error) {
	return Parse(strconv.Itoa(uid), strconv.Itoa(gid), fileMode, dirMode)
}

func parseMode(s string) (os.FileMode, error) {
	if !modeRegexp.MatchString(s) {
		return 0, errtypes.BadRequest("invalid mode: " + s)
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, errtypes.BadRequest("invalid mode: " + s)
	}
	return os.FileMode(m) & os.ModePerm, nil
}

// DeriveDirMode derives a directory mode from a file mode: for each of
// owner, group and other, the execute bit is set whenever the read bit is
// set. No bit of the input is ever cleared. 0o644 becomes 0o755, 0o600
// becomes 0o700.
func DeriveDirMode(fileMode os.FileMode) os.FileMode {
	return fileMode | ((fileMode & 0o444) >> 2)
}

// Applier applies ownership to paths, honoring the dev override.
type Applier struct {
	overrideUID int
	overrideGID int
}

// NewApplier returns an Applier. Pass -1 for both override values to apply
// requested ids verbatim; anything else forces uid/gid to the overrides,
// which is the development-mode behavior for unprivileged processes.
func NewApplier(overrideUID, overrideGID int) *Applier {
	return &Applier{overrideUID: overrideUID, overrideGID: overrideGID}
}

func (a *Applier) overrideActive() bool {
	return a.overrideUID >= 0 || a.overrideGID >= 0
}

func (a *Applier) effective(ctx context.Context, o *Ownership) (uid, gid int) {
	uid, gid = o.UID, o.GID
	if a.overrideActive() {
		if a.overrideUID >= 0 {
			uid = a.overrideUID
		}
		if a.overrideGID >= 0 {
			gid = a.overrideGID
		}
		appctx.GetLogger(ctx).Debug().
			Int("uid", uid).Int("gid", gid).
			Msg("dev override active, forcing ownership")
	}
	return uid, gid
}

// Apply chowns and chmods a single path. isDir selects the directory mode.
func (a *Applier) Apply(ctx context.Context, path string, o *Ownership, isDir bool) error {
	uid, gid := a.effective(ctx, o)
	if err := os.Chown(path, uid, gid); err != nil {
		return classify(err)
	}
	mode := o.FileMode
	if isDir {
		mode = o.DirMode
	}
	if err := os.Chmod(path, mode); err != nil {
		return classify(err)
	}
	return nil
}

// ApplyRecursive walks root depth-first applying the directory mode to
// directories and the file mode to files. It aborts on the first error;
// the caller decides whether to unlink partial results.
func (a *Applier) ApplyRecursive(ctx context.Context, root string, o *Ownership) error {
	fi, err := os.Lstat(root)
	if err != nil {
		return errors.Wrap(err, "ownership: stat failed")
	}
	if err := a.Apply(ctx, root, o, fi.IsDir()); err != nil {
		return err
	}
	if !fi.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrap(err, "ownership: readdir failed")
	}
	for _, e := range entries {
		if err := a.ApplyRecursive(ctx, filepath.Join(root, e.Name()), o); err != nil {
			return err
		}
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, unix.EPERM):
		return errtypes.InternalError("permission denied (not root?)")
	case errors.Is(err, unix.EINVAL):
		return errtypes.BadRequest("invalid uid/gid")
	default:
		return errtypes.InternalError(err.Error())
	}
}
