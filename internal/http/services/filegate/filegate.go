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

// Package filegate exposes the file operations over HTTP. All /files
// endpoints are bearer-protected; health, metrics and docs are public.
package filegate

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/filegate/filegate/internal/http/interceptors/auth"
	logmw "github.com/filegate/filegate/internal/http/interceptors/log"
	"github.com/filegate/filegate/internal/http/interceptors/metrics"
	"github.com/filegate/filegate/pkg/appctx"
	"github.com/filegate/filegate/pkg/config"
	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/fileops"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/search"
	"github.com/filegate/filegate/pkg/thumbnail"
	"github.com/filegate/filegate/pkg/upload"
)

// Service wires the domain packages into HTTP handlers.
type Service struct {
	conf     *config.Config
	ops      *fileops.Ops
	uploads  *upload.Engine
	searcher *search.Searcher
	thumbs   *thumbnail.Renderer
	validate *validator.Validate
}

// New returns a Service.
func New(conf *config.Config, ops *fileops.Ops, uploads *upload.Engine, searcher *search.Searcher, thumbs *thumbnail.Renderer) *Service {
	return &Service{
		conf:     conf,
		ops:      ops,
		uploads:  uploads,
		searcher: searcher,
		thumbs:   thumbs,
		validate: validator.New(),
	}
}

// Handler builds the full router.
func (s *Service) Handler(log *zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logmw.New(log), metrics.New())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/docs", s.handleDocs)
	r.Get("/docs/openapi.json", s.handleOpenAPI)

	r.Route("/files", func(r chi.Router) {
		r.Use(auth.New(s.conf.Token))
		r.Get("/info", s.handleInfo)
		r.Get("/content", s.handleDownload)
		r.Put("/content", s.handleUploadFile)
		r.Post("/mkdir", s.handleMkdir)
		r.Delete("/delete", s.handleDelete)
		r.Post("/transfer", s.handleTransfer)
		r.Get("/search", s.handleSearch)
		r.Post("/upload/start", s.handleUploadStart)
		r.Post("/upload/chunk", s.handleUploadChunk)
		r.Get("/thumbnail/image", s.handleThumbnail)
	})
	return r
}

// writeError maps a domain error to the JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errtypes.StatusCode(err)
	if code >= http.StatusInternalServerError {
		appctx.GetLogger(r.Context()).Error().Err(err).Str("uri", r.RequestURI).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses and validates a request body.
func (s *Service) decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errtypes.BadRequest("invalid request body")
	}
	if err := s.validate.Struct(v); err != nil {
		return errtypes.BadRequest("invalid request body")
	}
	return nil
}

// qbool parses a string boolean query parameter: "true" is true, anything
// else is false.
func qbool(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "true"
}

// qboolDefaultTrue is true unless the parameter is literally "false".
func qboolDefaultTrue(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) != "false"
}

// ownerFields is the ownership tuple as it appears in JSON bodies. The
// three required fields are all-or-none; dirMode is optional.
type ownerFields struct {
	OwnerUID *int   `json:"ownerUid"`
	OwnerGID *int   `json:"ownerGid"`
	FileMode string `json:"fileMode"`
	DirMode  string `json:"dirMode"`
}

func (f *ownerFields) ownership() (*ownership.Ownership, error) {
	if f.OwnerUID == nil && f.OwnerGID == nil && f.FileMode == "" {
		return nil, nil
	}
	if f.OwnerUID == nil || f.OwnerGID == nil || f.FileMode == "" {
		return nil, errtypes.BadRequest("ownerUid, ownerGid and fileMode must be provided together")
	}
	if *f.OwnerUID < 0 || *f.OwnerGID < 0 {
		return nil, errtypes.BadRequest("invalid uid/gid")
	}
	return ownership.FromValues(*f.OwnerUID, *f.OwnerGID, f.FileMode, f.DirMode)
}

// ownerFromHeaders builds the ownership tuple from the upload headers.
func ownerFromHeaders(r *http.Request) (*ownership.Ownership, error) {
	uid := r.Header.Get("X-Owner-UID")
	gid := r.Header.Get("X-Owner-GID")
	fileMode := r.Header.Get("X-File-Mode")
	dirMode := r.Header.Get("X-Dir-Mode")
	if uid == "" && gid == "" && fileMode == "" {
		return nil, nil
	}
	if uid == "" || gid == "" || fileMode == "" {
		return nil, errtypes.BadRequest("X-Owner-UID, X-Owner-GID and X-File-Mode must be provided together")
	}
	return ownership.Parse(uid, gid, fileMode, dirMode)
}
