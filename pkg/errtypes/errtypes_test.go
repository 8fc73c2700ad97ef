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

package errtypes

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		NotFound("x"):          http.StatusNotFound,
		PermissionDenied("x"):  http.StatusForbidden,
		BadRequest("x"):        http.StatusBadRequest,
		ChecksumMismatch("x"):  http.StatusBadRequest,
		NotSupported("x"):      http.StatusBadRequest,
		PayloadTooLarge("x"):   http.StatusRequestEntityTooLarge,
		InternalError("x"):     http.StatusInternalServerError,
		errors.New("untagged"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusCode(err), "error %v", err)
	}
}

func TestStatusCodeUnwraps(t *testing.T) {
	wrapped := errors.Wrap(NotFound("gone"), "outer context")
	assert.Equal(t, http.StatusNotFound, StatusCode(wrapped))
}
