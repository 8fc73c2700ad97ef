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

package filegate

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/filegate/filegate/pkg/archiver"
	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/fileops"
	"github.com/filegate/filegate/pkg/mime"
	"github.com/filegate/filegate/pkg/search"
	"github.com/filegate/filegate/pkg/thumbnail"
	"github.com/filegate/filegate/pkg/upload"
)

func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	info, err := s.ops.Info(r.Context(), p, fileops.InfoOptions{
		ShowHidden:   qbool(r, "showHidden"),
		ComputeSizes: qbool(r, "computeSizes"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	f, fi, res, err := s.ops.OpenRead(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if fi.IsDir() {
		size, err := fileops.DirSize(res.RealPath)
		if err != nil {
			writeError(w, r, errtypes.InternalError("cannot compute directory size"))
			return
		}
		if size > s.conf.MaxDownloadBytes {
			writeError(w, r, errtypes.PayloadTooLarge("directory size exceeds download limit"))
			return
		}
		w.Header().Set("Content-Type", "application/x-tar")
		setDisposition(w, path.Base(res.RealPath)+".tar", false)
		if err := archiver.StreamTar(r.Context(), res.RealPath, s.conf.MaxDownloadBytes, w); err != nil {
			// headers are already sent; nothing left to report
			return
		}
		return
	}
	defer f.Close()

	name := path.Base(res.RealPath)
	w.Header().Set("Content-Type", mime.DetectFile(res.RealPath))
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	setDisposition(w, name, qbool(r, "inline"))
	_, _ = io.Copy(w, f)
}

// setDisposition writes a Content-Disposition with an RFC 5987 encoded
// filename* and an ASCII fallback.
func setDisposition(w http.ResponseWriter, name string, inline bool) {
	kind := "attachment"
	if inline {
		kind = "inline"
	}
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, kind, fallback, url.PathEscape(name)))
}

func (s *Service) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	dirPath := r.Header.Get("X-File-Path")
	filename := r.Header.Get("X-File-Name")
	if dirPath == "" || filename == "" {
		writeError(w, r, errtypes.BadRequest("missing X-File-Path or X-File-Name"))
		return
	}
	owner, err := ownerFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.ops.WriteFile(r.Context(), dirPath, filename, owner, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type mkdirRequest struct {
	Path string `json:"path" validate:"required"`
	ownerFields
}

func (s *Service) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := req.ownership()
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.ops.Mkdir(r.Context(), req.Path, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if err := s.ops.Delete(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	From             string `json:"from" validate:"required"`
	To               string `json:"to" validate:"required"`
	Mode             string `json:"mode" validate:"required,oneof=move copy"`
	EnsureUniqueName bool   `json:"ensureUniqueName"`
	ownerFields
}

func (s *Service) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := req.ownership()
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.ops.Transfer(r.Context(), fileops.TransferRequest{
		From:             req.From,
		To:               req.To,
		Mode:             req.Mode,
		EnsureUniqueName: req.EnsureUniqueName,
		Owner:            owner,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var paths []string
	for _, p := range strings.Split(q.Get("paths"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	resp, err := s.searcher.Search(r.Context(), search.Request{
		Paths:       paths,
		Pattern:     q.Get("pattern"),
		Limit:       limit,
		Files:       qboolDefaultTrue(r, "files"),
		Directories: qbool(r, "directories"),
		ShowHidden:  qbool(r, "showHidden"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type uploadStartRequest struct {
	Path      string `json:"path" validate:"required"`
	Filename  string `json:"filename" validate:"required"`
	Size      int64  `json:"size" validate:"required,gt=0"`
	Checksum  string `json:"checksum" validate:"required"`
	ChunkSize int64  `json:"chunkSize" validate:"required,gt=0"`
	ownerFields
}

func (s *Service) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	var req uploadStartRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := req.ownership()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.uploads.Start(r.Context(), upload.StartRequest{
		Path:      req.Path,
		Filename:  req.Filename,
		Size:      req.Size,
		Checksum:  req.Checksum,
		ChunkSize: req.ChunkSize,
		Owner:     owner,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Upload-Id")
	if id == "" {
		writeError(w, r, errtypes.BadRequest("missing X-Upload-Id"))
		return
	}
	index, err := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if err != nil {
		writeError(w, r, errtypes.BadRequest("invalid X-Chunk-Index"))
		return
	}

	res, err := s.uploads.WriteChunk(r.Context(), id, index, r.Header.Get("X-Chunk-Checksum"), r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Completed {
		writeJSON(w, http.StatusOK, map[string]any{
			"completed":      false,
			"chunkIndex":     res.ChunkIndex,
			"uploadedChunks": res.UploadedChunks,
		})
		return
	}

	info, err := s.ops.Info(r.Context(), path.Join(res.Path, res.Filename), fileops.InfoOptions{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if fi, ok := info.(*fileops.FileInfo); ok {
		fi.Checksum = res.Checksum
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"completed": true,
		"file":      info,
	})
}

func (s *Service) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := q.Get("path")
	params := thumbnail.DefaultParams()
	var err error
	if params.Width, err = qint(q.Get("width"), params.Width); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid width"))
		return
	}
	if params.Height, err = qint(q.Get("height"), params.Height); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid height"))
		return
	}
	if params.Quality, err = qint(q.Get("quality"), params.Quality); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid quality"))
		return
	}
	if v := q.Get("fit"); v != "" {
		params.Fit = v
	}
	if v := q.Get("position"); v != "" {
		params.Position = v
	}
	if v := q.Get("format"); v != "" {
		params.Format = v
	}
	if err := params.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	etag, mtime, err := s.thumbs.Stat(r.Context(), p, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	quoted := `"` + etag + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, quoted) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && !mtime.Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	res, err := s.thumbs.Render(r.Context(), p, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Last-Modified", res.MTime.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", quoted)
	_, _ = w.Write(res.Data)
}

func qint(s string, dflt int) (int, error) {
	if s == "" {
		return dflt, nil
	}
	return strconv.Atoi(s)
}
