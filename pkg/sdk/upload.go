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

package sdk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// UploadStartResponse mirrors the upload/start payload.
type UploadStartResponse struct {
	UploadID       string `json:"uploadId"`
	TotalChunks    int    `json:"totalChunks"`
	ChunkSize      int64  `json:"chunkSize"`
	UploadedChunks []int  `json:"uploadedChunks"`
	Completed      bool   `json:"completed"`
}

// ChunkResponse mirrors the upload/chunk payload.
type ChunkResponse struct {
	Completed      bool      `json:"completed"`
	ChunkIndex     int       `json:"chunkIndex"`
	UploadedChunks []int     `json:"uploadedChunks"`
	File           *FileInfo `json:"file,omitempty"`
}

// UploadStart begins or resumes a chunked upload session.
func (c *Client) UploadStart(ctx context.Context, dirPath, filename string, size int64, checksum string, chunkSize int64, owner *Ownership) (*UploadStartResponse, error) {
	body := map[string]any{
		"path":      dirPath,
		"filename":  filename,
		"size":      size,
		"checksum":  checksum,
		"chunkSize": chunkSize,
	}
	for k, v := range owner.fields() {
		body[k] = v
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload/start", nil, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out UploadStartResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunk submits one chunk with its checksum.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, index int, chunk []byte) (*ChunkResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/files/upload/chunk", nil, bytes.NewReader(chunk))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(chunk)
	req.Header.Set("X-Upload-Id", uploadID)
	req.Header.Set("X-Chunk-Index", strconv.Itoa(index))
	req.Header.Set("X-Chunk-Checksum", "sha256:"+hex.EncodeToString(sum[:]))
	var out ChunkResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadChunked uploads content in chunks, resuming a previous session for
// the same (path, filename, checksum) when one exists. It returns the
// assembled file's info.
func (c *Client) UploadChunked(ctx context.Context, dirPath, filename string, content io.ReaderAt, size, chunkSize int64, checksum string, owner *Ownership) (*FileInfo, error) {
	start, err := c.UploadStart(ctx, dirPath, filename, size, checksum, chunkSize, owner)
	if err != nil {
		return nil, err
	}

	have := make(map[int]bool, len(start.UploadedChunks))
	for _, i := range start.UploadedChunks {
		have[i] = true
	}

	var last *ChunkResponse
	buf := make([]byte, chunkSize)
	for i := 0; i < start.TotalChunks; i++ {
		if have[i] {
			continue
		}
		n, err := content.ReadAt(buf, int64(i)*chunkSize)
		if err != nil && err != io.EOF {
			return nil, err
		}
		last, err = c.UploadChunk(ctx, start.UploadID, i, buf[:n])
		if err != nil {
			return nil, err
		}
	}

	if last == nil || !last.Completed {
		// all chunks were already staged before this call; resend the last
		// one to trigger assembly
		i := start.TotalChunks - 1
		n, err := content.ReadAt(buf, int64(i)*chunkSize)
		if err != nil && err != io.EOF {
			return nil, err
		}
		last, err = c.UploadChunk(ctx, start.UploadID, i, buf[:n])
		if err != nil {
			return nil, err
		}
	}
	return last.File, nil
}
