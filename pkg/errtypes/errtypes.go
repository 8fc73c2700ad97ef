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

// Package errtypes contains the error types used across the service.
// Components return these so the HTTP layer can map them to status codes
// without string matching.
package errtypes

import (
	"errors"
	"net/http"
)

// NotFound is the error to use when a resource does not exist.
type NotFound string

func (e NotFound) Error() string { return string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// PermissionDenied is the error to use when an operation is rejected by the
// path gate or by the authorization layer.
type PermissionDenied string

func (e PermissionDenied) Error() string { return string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// BadRequest is the error to use when the request is malformed: schema
// violations, invalid mode strings, bad checksum formats and the like.
type BadRequest string

func (e BadRequest) Error() string { return string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PayloadTooLarge is the error to use when a configured size cap is exceeded.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return string(e) }

// IsPayloadTooLarge implements the IsPayloadTooLarge interface.
func (e PayloadTooLarge) IsPayloadTooLarge() {}

// ChecksumMismatch is the error to use when a chunk digest does not match
// the digest announced by the client.
type ChecksumMismatch string

func (e ChecksumMismatch) Error() string { return string(e) }

// IsChecksumMismatch implements the IsChecksumMismatch interface.
func (e ChecksumMismatch) IsChecksumMismatch() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// InternalError is the error to use for unexpected filesystem or store
// failures that should surface as a 500.
type InternalError string

func (e InternalError) Error() string { return string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsPermissionDenied is the interface to implement
// to specify that an operation is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsBadRequest is the interface to implement
// to specify that the request is malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPayloadTooLarge is the interface to implement
// to specify that a size cap was exceeded.
type IsPayloadTooLarge interface {
	IsPayloadTooLarge()
}

// IsChecksumMismatch is the interface to implement
// to specify that content verification failed.
type IsChecksumMismatch interface {
	IsChecksumMismatch()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsInternalError is the interface to implement
// to specify that something unexpected happened.
type IsInternalError interface {
	IsInternalError()
}

// StatusCode returns the HTTP status code associated with err. Wrapped
// errors are unwrapped until a typed error is found; anything untyped is
// treated as an internal error.
func StatusCode(err error) int {
	for err != nil {
		switch err.(type) {
		case IsNotFound:
			return http.StatusNotFound
		case IsPermissionDenied:
			return http.StatusForbidden
		case IsBadRequest:
			return http.StatusBadRequest
		case IsPayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		case IsChecksumMismatch:
			return http.StatusBadRequest
		case IsNotSupported:
			return http.StatusBadRequest
		case IsInternalError:
			return http.StatusInternalServerError
		}
		err = errors.Unwrap(err)
	}
	return http.StatusInternalServerError
}
