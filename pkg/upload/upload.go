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

// Package upload implements the resumable chunked-upload engine.
//
// A session is identified by the first 16 hex characters of
// SHA-256(path + ":" + filename + ":" + checksum). The id is deterministic
// on purpose: retrying an identical upload lands in the same session
// directory and resumes, without server affinity. Chunks are staged on
// disk next to a meta.json and committed with a temp-then-rename step, so
// a chunk is either fully present or absent. Assembly concatenates the
// chunks in order, verifies the whole-file digest and applies ownership as
// the very last step.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/filegate/filegate/pkg/errtypes"
	"github.com/filegate/filegate/pkg/ownership"
	"github.com/filegate/filegate/pkg/pathgate"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

const metaFile = "meta.json"

var checksumRegexp = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Meta is the persisted state of an upload session.
type Meta struct {
	UploadID    string `json:"uploadId"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Owner       *Owner `json:"ownership,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Owner is the JSON form of an ownership tuple inside meta.json.
type Owner struct {
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	FileMode uint32 `json:"fileMode"`
	DirMode  uint32 `json:"dirMode"`
}

func ownerFrom(o *ownership.Ownership) *Owner {
	if o == nil {
		return nil
	}
	return &Owner{UID: o.UID, GID: o.GID, FileMode: uint32(o.FileMode), DirMode: uint32(o.DirMode)}
}

func (o *Owner) ownership() *ownership.Ownership {
	if o == nil {
		return nil
	}
	return &ownership.Ownership{UID: o.UID, GID: o.GID, FileMode: os.FileMode(o.FileMode), DirMode: os.FileMode(o.DirMode)}
}

// StartRequest describes a new or resumed session.
type StartRequest struct {
	Path      string
	Filename  string
	Size      int64
	Checksum  string
	ChunkSize int64
	Owner     *ownership.Ownership
}

// StartResponse reports the session state after start.
type StartResponse struct {
	UploadID       string `json:"uploadId"`
	TotalChunks    int    `json:"totalChunks"`
	ChunkSize      int64  `json:"chunkSize"`
	UploadedChunks []int  `json:"uploadedChunks"`
	Completed      bool   `json:"completed"`
}

// ChunkResult reports the session state after a chunk was committed. When
// the chunk completed the session, Completed is true and RealPath/Base/
// Checksum describe the assembled file.
type ChunkResult struct {
	ChunkIndex     int
	UploadedChunks []int
	Completed      bool

	Path     string
	Filename string
	RealPath string
	Base     string
	Checksum string
}

// Engine manages upload sessions below a staging directory.
type Engine struct {
	tempDir  string
	maxBytes int64
	maxChunk int64
	expiry   time.Duration
	gate     *pathgate.Gate
	applier  *ownership.Applier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates the staging directory and returns an Engine.
func NewEngine(tempDir string, maxUploadBytes, maxChunkBytes int64, expiry time.Duration, gate *pathgate.Gate, applier *ownership.Applier) (*Engine, error) {
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "upload: error creating temp dir")
	}
	return &Engine{
		tempDir:  tempDir,
		maxBytes: maxUploadBytes,
		maxChunk: maxChunkBytes,
		expiry:   expiry,
		gate:     gate,
		applier:  applier,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// UploadID derives the deterministic session id.
func UploadID(path, filename, checksum string) string {
	sum := sha256.Sum256([]byte(path + ":" + filename + ":" + checksum))
	return hex.EncodeToString(sum[:])[:16]
}

func (e *Engine) sessionDir(id string) string  { return filepath.Join(e.tempDir, id) }
func (e *Engine) metaPath(id string) string    { return filepath.Join(e.sessionDir(id), metaFile) }
func (e *Engine) chunkPath(id string, i int) string {
	return filepath.Join(e.sessionDir(id), strconv.Itoa(i))
}

// Start begins a session, or resumes one when an identical request was
// seen before.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if req.Size <= 0 {
		return nil, errtypes.BadRequest("invalid size")
	}
	if req.Size > e.maxBytes {
		return nil, errtypes.PayloadTooLarge("file size exceeds limit")
	}
	if req.ChunkSize <= 0 {
		return nil, errtypes.BadRequest("invalid chunk size")
	}
	if req.ChunkSize > e.maxChunk {
		return nil, errtypes.BadRequest("chunk size exceeds limit")
	}
	if !checksumRegexp.MatchString(req.Checksum) {
		return nil, errtypes.BadRequest("invalid checksum format")
	}

	id := UploadID(req.Path, req.Filename, req.Checksum)

	// the destination must be valid before any chunk is accepted; this
	// also creates parent directories with ownership
	if _, err := e.gate.Validate(ctx, req.Path+"/"+req.Filename, pathgate.Options{
		CreateParents: true,
		Owner:         req.Owner,
	}); err != nil {
		return nil, err
	}

	if meta, err := e.readMeta(id); err == nil {
		// resume path: the same (path, filename, checksum) tuple maps to
		// this session. Refresh its expiry clock and report what is there.
		meta.CreatedAt = time.Now().UnixMilli()
		if err := e.writeMeta(meta); err != nil {
			return nil, err
		}
		uploaded, err := e.listChunks(id)
		if err != nil {
			return nil, err
		}
		return &StartResponse{
			UploadID:       id,
			TotalChunks:    meta.TotalChunks,
			ChunkSize:      meta.ChunkSize,
			UploadedChunks: uploaded,
			Completed:      false,
		}, nil
	}

	totalChunks := int((req.Size + req.ChunkSize - 1) / req.ChunkSize)
	meta := &Meta{
		UploadID:    id,
		Path:        req.Path,
		Filename:    req.Filename,
		Size:        req.Size,
		Checksum:    req.Checksum,
		ChunkSize:   req.ChunkSize,
		TotalChunks: totalChunks,
		Owner:       ownerFrom(req.Owner),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := os.MkdirAll(e.sessionDir(id), 0o700); err != nil {
		return nil, errtypes.InternalError("cannot create upload directory")
	}
	if err := e.writeMeta(meta); err != nil {
		return nil, err
	}
	return &StartResponse{
		UploadID:       id,
		TotalChunks:    totalChunks,
		ChunkSize:      meta.ChunkSize,
		UploadedChunks: []int{},
		Completed:      false,
	}, nil
}

// WriteChunk streams one chunk into the session. Chunks may arrive in any
// order and concurrently; the temp-then-rename commit makes each chunk's
// visibility atomic. When the committed chunk completes the set, the
// session is assembled before returning.
func (e *Engine) WriteChunk(ctx context.Context, uploadID string, chunkIndex int, declaredChecksum string, body io.Reader) (*ChunkResult, error) {
	meta, err := e.readMeta(uploadID)
	if err != nil {
		return nil, errtypes.NotFound("upload not found")
	}
	if chunkIndex < 0 || chunkIndex >= meta.TotalChunks {
		return nil, errtypes.BadRequest("invalid chunk index")
	}
	if declaredChecksum != "" && !checksumRegexp.MatchString(declaredChecksum) {
		return nil, errtypes.BadRequest("invalid checksum format")
	}

	tmp := e.chunkPath(uploadID, chunkIndex) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errtypes.InternalError("cannot stage chunk")
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(body, e.maxChunk+1))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(tmp)
		return nil, errtypes.InternalError("error writing chunk")
	}
	if written > e.maxChunk {
		os.Remove(tmp)
		return nil, errtypes.PayloadTooLarge("chunk size exceeds limit")
	}

	got := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if declaredChecksum != "" && declaredChecksum != got {
		os.Remove(tmp)
		return nil, errtypes.ChecksumMismatch(fmt.Sprintf("checksum mismatch: expected %s, got %s", declaredChecksum, got))
	}

	// commit point for this chunk
	if err := os.Rename(tmp, e.chunkPath(uploadID, chunkIndex)); err != nil {
		os.Remove(tmp)
		return nil, errtypes.InternalError("cannot commit chunk")
	}

	uploaded, err := e.listChunks(uploadID)
	if err != nil {
		return nil, err
	}
	res := &ChunkResult{ChunkIndex: chunkIndex, UploadedChunks: uploaded}
	if len(uploaded) < meta.TotalChunks {
		return res, nil
	}

	assembled, err := e.assemble(ctx, meta)
	if err != nil {
		return nil, err
	}
	res.Completed = true
	res.Path = meta.Path
	res.Filename = meta.Filename
	res.RealPath = assembled.RealPath
	res.Base = assembled.Base
	res.Checksum = meta.Checksum
	return res, nil
}

type assembled struct {
	RealPath string
	Base     string
}

// assemble composes the final file. A keyed mutex plus a file lock on the
// session directory ensure exactly one writer per session; the chunk set
// is re-checked inside the lock so the "all chunks present" predicate is
// reliable at the moment of composition.
func (e *Engine) assemble(ctx context.Context, meta *Meta) (*assembled, error) {
	lock := e.lockFor(meta.UploadID)
	lock.Lock()
	defer lock.Unlock()

	fl := flock.New(filepath.Join(e.sessionDir(meta.UploadID), ".lock"))
	if err := fl.Lock(); err == nil {
		defer fl.Unlock() //nolint:errcheck
	}

	res, err := e.gate.Validate(ctx, meta.Path+"/"+meta.Filename, pathgate.Options{})
	if err != nil {
		return nil, err
	}

	uploaded, err := e.listChunks(meta.UploadID)
	if err != nil {
		return nil, err
	}
	if len(uploaded) == 0 {
		// a concurrent finisher already assembled and cleaned up
		return &assembled{RealPath: res.RealPath, Base: res.Base}, nil
	}
	if missing := missingChunks(uploaded, meta.TotalChunks); len(missing) > 0 {
		return nil, errtypes.BadRequest(fmt.Sprintf("missing chunks: %v", missing))
	}

	if err := os.MkdirAll(filepath.Dir(res.RealPath), 0o755); err != nil {
		return nil, errtypes.InternalError("cannot create destination directory")
	}

	dst, err := os.OpenFile(res.RealPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errtypes.InternalError("cannot open destination")
	}

	hasher := sha256.New()
	for i := 0; i < meta.TotalChunks; i++ {
		cf, err := os.Open(e.chunkPath(meta.UploadID, i))
		if err != nil {
			dst.Close()
			os.Remove(res.RealPath)
			return nil, errtypes.InternalError(fmt.Sprintf("missing chunk %d", i))
		}
		_, err = io.Copy(io.MultiWriter(dst, hasher), cf)
		cf.Close()
		if err != nil {
			dst.Close()
			os.Remove(res.RealPath)
			return nil, errtypes.InternalError(fmt.Sprintf("error writing chunk %d", i))
		}
	}
	if err := dst.Close(); err != nil {
		os.Remove(res.RealPath)
		return nil, errtypes.InternalError("error closing destination")
	}

	got := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if got != meta.Checksum {
		os.Remove(res.RealPath)
		return nil, errtypes.InternalError(fmt.Sprintf("checksum mismatch: expected %s, got %s", meta.Checksum, got))
	}

	if o := meta.Owner.ownership(); o != nil {
		if err := e.applier.Apply(ctx, res.RealPath, o, false); err != nil {
			os.Remove(res.RealPath)
			return nil, err
		}
	}

	if err := os.RemoveAll(e.sessionDir(meta.UploadID)); err != nil {
		return nil, errtypes.InternalError("cannot remove upload directory")
	}
	return &assembled{RealPath: res.RealPath, Base: res.Base}, nil
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func missingChunks(uploaded []int, total int) []int {
	present := make(map[int]bool, len(uploaded))
	for _, i := range uploaded {
		present[i] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// listChunks derives the committed chunk set from the session directory.
// The filesystem is the source of truth; no in-memory chunk state exists.
func (e *Engine) listChunks(id string) ([]int, error) {
	entries, err := os.ReadDir(e.sessionDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, errtypes.InternalError("cannot list upload directory")
	}
	// non-nil so an empty set serializes as [] rather than null
	chunks := []int{}
	for _, en := range entries {
		i, err := strconv.Atoi(en.Name())
		if err != nil {
			continue
		}
		chunks = append(chunks, i)
	}
	sort.Ints(chunks)
	return chunks, nil
}

func (e *Engine) readMeta(id string) (*Meta, error) {
	raw, err := os.ReadFile(e.metaPath(id))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (e *Engine) writeMeta(m *Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errtypes.InternalError("cannot encode upload metadata")
	}
	if err := renameio.WriteFile(e.metaPath(m.UploadID), raw, 0o600); err != nil {
		return errtypes.InternalError("cannot persist upload metadata")
	}
	return nil
}
