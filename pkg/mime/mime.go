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

// Package mime guesses mime types from filenames.
package mime

import (
	gomime "mime"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

const defaultMimeDir = "httpd/unix-directory"

var mimes = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".log":      "text/plain",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".toml":     "application/toml",
	".go":       "text/x-go",
	".py":       "text/x-python",
}

// RegisterMime registers a mime type for the given extension. Extensions
// registered here take precedence over the platform mime database.
func RegisterMime(ext, mime string) {
	mimes[ext] = mime
}

// Detect returns the mimetype associated with the given filename.
func Detect(isDir bool, fn string) string {
	if isDir {
		return defaultMimeDir
	}

	ext := path.Ext(fn)

	mimeType := mimes[ext]

	if mimeType == "" {
		mimeType = gomime.TypeByExtension(ext)
	}

	return mimeType
}

// DetectFile returns the mimetype for a file on disk. It first consults the
// extension tables and falls back to content sniffing for unknown extensions.
func DetectFile(fn string) string {
	if m := Detect(false, fn); m != "" {
		return m
	}
	if m, err := mimetype.DetectFile(fn); err == nil {
		return m.String()
	}
	return "application/octet-stream"
}
