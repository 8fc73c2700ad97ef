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

package ownership

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegate/filegate/pkg/errtypes"
)

func TestParse(t *testing.T) {
	o, err := Parse("1000", "1000", "644", "")
	require.NoError(t, err)
	assert.Equal(t, 1000, o.UID)
	assert.Equal(t, 1000, o.GID)
	assert.Equal(t, os.FileMode(0o644), o.FileMode)
	assert.Equal(t, os.FileMode(0o755), o.DirMode)

	o, err = Parse("0", "0", "0600", "0750")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), o.FileMode)
	assert.Equal(t, os.FileMode(0o750), o.DirMode)
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		uid, gid, fileMode, dirMode string
	}{
		{"-1", "0", "644", ""},
		{"x", "0", "644", ""},
		{"0", "-5", "644", ""},
		{"0", "0", "999", ""},
		{"0", "0", "64", ""},
		{"0", "0", "07777", ""},
		{"0", "0", "644", "888"},
	}
	for _, c := range cases {
		_, err := Parse(c.uid, c.gid, c.fileMode, c.dirMode)
		require.Error(t, err)
		var br errtypes.BadRequest
		assert.ErrorAs(t, err, &br)
	}
}

func TestDeriveDirMode(t *testing.T) {
	cases := map[os.FileMode]os.FileMode{
		0o644: 0o755,
		0o600: 0o700,
		0o640: 0o750,
		0o444: 0o555,
		0o000: 0o000,
		0o777: 0o777,
	}
	for in, want := range cases {
		assert.Equal(t, want, DeriveDirMode(in), "fileMode %o", in)
	}

	// the derivation never clears a bit of its input
	for m := os.FileMode(0); m <= 0o777; m++ {
		assert.Equal(t, m, DeriveDirMode(m)&m, "mode %o", m)
	}
}
