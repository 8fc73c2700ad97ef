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

package upload

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/filegate/filegate/pkg/appctx"
)

// RunJanitor removes expired upload sessions until the context is
// cancelled. Besides the periodic runs it performs a one-shot sweep
// shortly after startup to collect sessions left over from a previous
// process.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	startup := time.NewTimer(10 * time.Second)
	defer startup.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			e.Sweep(ctx)
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep removes every session whose meta.json is missing, unreadable or
// older than the expiry window. Removal is best-effort.
func (e *Engine) Sweep(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		log.Warn().Err(err).Msg("janitor: cannot list upload temp dir")
		return
	}

	now := time.Now().UnixMilli()
	removed := 0
	for _, en := range entries {
		if !en.IsDir() {
			continue
		}
		dir := filepath.Join(e.tempDir, en.Name())
		meta, err := e.readMeta(en.Name())
		if err == nil && now-meta.CreatedAt <= e.expiry.Milliseconds() {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("session", en.Name()).Msg("janitor: cannot remove session")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("janitor: swept expired upload sessions")
	}
}
