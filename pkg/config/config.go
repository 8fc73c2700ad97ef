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

// Package config holds the process-wide configuration, derived from the
// environment once at startup and immutable afterwards.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the runtime configuration of the service.
type Config struct {
	Token     string
	BasePaths []string
	Port      int

	MaxUploadBytes   int64
	MaxDownloadBytes int64
	MaxChunkBytes    int64

	SearchMaxResults            int
	SearchMaxRecursiveWildcards int

	UploadTempDir       string
	UploadExpiry        time.Duration
	DiskCleanupInterval time.Duration

	EnableIndex          bool
	IndexDatabaseURL     string
	IndexRescanInterval  time.Duration
	IndexScanConcurrency int

	// DevUIDOverride and DevGIDOverride force ownership to fixed ids in
	// development setups where the service does not run as root. Negative
	// means not set.
	DevUIDOverride int
	DevGIDOverride int
}

// LookupFunc reads a single environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	return Parse(os.LookupEnv)
}

// Parse builds a Config from the given lookup function and validates it.
func Parse(lookup LookupFunc) (*Config, error) {
	p := &parser{lookup: lookup}

	c := &Config{
		Token:                       p.str("FILE_PROXY_TOKEN", ""),
		Port:                        p.num("PORT", 4000),
		MaxUploadBytes:              p.mb("MAX_UPLOAD_MB", 500),
		MaxDownloadBytes:            p.mb("MAX_DOWNLOAD_MB", 5000),
		MaxChunkBytes:               p.mb("MAX_CHUNK_SIZE_MB", 50),
		SearchMaxResults:            p.num("SEARCH_MAX_RESULTS", 100),
		SearchMaxRecursiveWildcards: p.num("SEARCH_MAX_RECURSIVE_WILDCARDS", 10),
		UploadTempDir:               p.str("UPLOAD_TEMP_DIR", "/tmp/filegate-uploads"),
		UploadExpiry:                time.Duration(p.num("UPLOAD_EXPIRY_HOURS", 24)) * time.Hour,
		DiskCleanupInterval:         time.Duration(p.num("DISK_CLEANUP_INTERVAL_HOURS", 6)) * time.Hour,
		EnableIndex:                 p.boolDefaultTrue("ENABLE_INDEX"),
		IndexDatabaseURL:            p.str("INDEX_DATABASE_URL", ""),
		IndexRescanInterval:         time.Duration(p.num("INDEX_RESCAN_INTERVAL_MINUTES", 30)) * time.Minute,
		IndexScanConcurrency:        p.num("INDEX_SCAN_CONCURRENCY", 4),
		DevUIDOverride:              p.num("DEV_UID_OVERRIDE", -1),
		DevGIDOverride:              p.num("DEV_GID_OVERRIDE", -1),
	}

	if bases, ok := lookup("ALLOWED_BASE_PATHS"); ok {
		for _, b := range strings.Split(bases, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				c.BasePaths = append(c.BasePaths, filepath.Clean(b))
			}
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Token == "" {
		return errors.New("config: FILE_PROXY_TOKEN is required")
	}
	if len(c.BasePaths) == 0 {
		return errors.New("config: ALLOWED_BASE_PATHS is required")
	}
	for _, b := range c.BasePaths {
		if !filepath.IsAbs(b) {
			return errors.Errorf("config: base path %q is not absolute", b)
		}
		fi, err := os.Stat(b)
		if err != nil {
			return errors.Wrapf(err, "config: invalid base path %q", b)
		}
		if !fi.IsDir() {
			return errors.Errorf("config: base path %q is not a directory", b)
		}
	}
	if c.IndexScanConcurrency < 1 {
		c.IndexScanConcurrency = 1
	}
	return nil
}

type parser struct {
	lookup LookupFunc
	err    error
}

func (p *parser) str(key, dflt string) string {
	if v, ok := p.lookup(key); ok && v != "" {
		return v
	}
	return dflt
}

func (p *parser) num(key string, dflt int) int {
	v, ok := p.lookup(key)
	if !ok || v == "" {
		return dflt
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "config: %s must be an integer", key)
	}
	return n
}

func (p *parser) mb(key string, dflt int) int64 {
	return int64(p.num(key, dflt)) << 20
}

// boolDefaultTrue treats only the literal string "false" as false,
// matching the string-boolean convention of the HTTP surface.
func (p *parser) boolDefaultTrue(key string) bool {
	v, ok := p.lookup(key)
	return !ok || v != "false"
}
