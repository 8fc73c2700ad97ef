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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/filegate/filegate/internal/http/services/filegate"
	"github.com/filegate/filegate/pkg/appctx"
	"github.com/filegate/filegate/pkg/config"
	"github.com/filegate/filegate/pkg/fileops"
	"github.com/filegate/filegate/pkg/index"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
	"github.com/filegate/filegate/pkg/search"
	"github.com/filegate/filegate/pkg/thumbnail"
	"github.com/filegate/filegate/pkg/upload"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	conf, err := config.FromEnv()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	if err := run(&log, conf); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(log *zerolog.Logger, conf *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithLogger(ctx, log)

	applier := ownership.NewApplier(conf.DevUIDOverride, conf.DevGIDOverride)
	gate := pathgate.New(conf.BasePaths, applier)

	var store *index.Store
	if conf.EnableIndex {
		var err error
		store, err = index.Open(conf.IndexDatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ops := fileops.New(gate, applier, store, conf.MaxUploadBytes, conf.MaxDownloadBytes)
	engine, err := upload.NewEngine(conf.UploadTempDir, conf.MaxUploadBytes, conf.MaxChunkBytes, conf.UploadExpiry, gate, applier)
	if err != nil {
		return err
	}
	searcher := search.New(gate, store, conf.SearchMaxResults, conf.SearchMaxRecursiveWildcards)
	thumbs := thumbnail.New(gate)

	go engine.RunJanitor(ctx, conf.DiskCleanupInterval)
	if store != nil {
		go runRescan(ctx, log, store, conf)
	}

	svc := filegate.New(conf, ops, engine, searcher, thumbs)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: svc.Handler(log),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Int("port", conf.Port).Strs("bases", conf.BasePaths).Msg("filegate listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// runRescan runs a full scan at startup and then on the configured
// interval until the context is cancelled.
func runRescan(ctx context.Context, log *zerolog.Logger, store *index.Store, conf *config.Config) {
	scanner := index.NewScanner(store, conf.IndexScanConcurrency)
	scan := func() {
		res, err := scanner.ScanAll(ctx, conf.BasePaths)
		if err != nil {
			log.Warn().Err(err).Msg("index scan failed")
			return
		}
		log.Info().
			Int64("scanned", res.Scanned).
			Int64("skipped", res.Skipped).
			Int64("added", res.Added).
			Int64("moved", res.Moved).
			Int64("removed", res.Removed).
			Int64("duration_ms", res.DurationMs).
			Msg("index scan complete")
	}

	scan()
	ticker := time.NewTicker(conf.IndexRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
