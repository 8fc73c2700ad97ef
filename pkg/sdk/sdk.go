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

// Package sdk is a typed Go client for the filegate HTTP API.
package sdk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Client talks to a filegate instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client for the given endpoint, e.g. "http://localhost:4000".
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    http.DefaultClient,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("filegate: %s (status %d)", e.Message, e.Status)
}

// FileInfo mirrors the service's FileInfo payload.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	MTime    string `json:"mtime"`
	IsHidden bool   `json:"isHidden"`
	MimeType string `json:"mimeType,omitempty"`
	FileID   string `json:"fileId,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// DirInfo mirrors the service's DirInfo payload.
type DirInfo struct {
	FileInfo
	Items []*FileInfo `json:"items"`
	Total int64       `json:"total"`
}

// Ownership is the optional ownership tuple on writes.
type Ownership struct {
	UID      int
	GID      int
	FileMode string
	DirMode  string
}

func (o *Ownership) fields() map[string]any {
	if o == nil {
		return nil
	}
	m := map[string]any{
		"ownerUid": o.UID,
		"ownerGid": o.GID,
		"fileMode": o.FileMode,
	}
	if o.DirMode != "" {
		m["dirMode"] = o.DirMode
	}
	return m
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "sdk: request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

// Info stats a path. For directories the returned DirInfo carries the
// entries.
func (c *Client) Info(ctx context.Context, path string, showHidden, computeSizes bool) (*DirInfo, error) {
	q := url.Values{"path": {path}}
	if showHidden {
		q.Set("showHidden", "true")
	}
	if computeSizes {
		q.Set("computeSizes", "true")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/files/info", q, nil)
	if err != nil {
		return nil, err
	}
	var info DirInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Download streams a file's content. The caller must close the reader.
// Directories are returned as a tar stream.
func (c *Client) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/content", url.Values{"path": {path}}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sdk: request failed")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

// DownloadTo streams a file's content into a local file, created with
// perm. The destination is removed on failure.
func (c *Client) DownloadTo(ctx context.Context, path, localPath string, perm os.FileMode) error {
	rc, err := c.Download(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return f.Close()
}

// Upload writes a file in a single request.
func (c *Client) Upload(ctx context.Context, dirPath, filename string, owner *Ownership, body io.Reader) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/files/content", nil, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-File-Path", dirPath)
	req.Header.Set("X-File-Name", filename)
	if owner != nil {
		req.Header.Set("X-Owner-UID", strconv.Itoa(owner.UID))
		req.Header.Set("X-Owner-GID", strconv.Itoa(owner.GID))
		req.Header.Set("X-File-Mode", owner.FileMode)
		if owner.DirMode != "" {
			req.Header.Set("X-Dir-Mode", owner.DirMode)
		}
	}
	var info FileInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, path string, owner *Ownership) (*FileInfo, error) {
	body := map[string]any{"path": path}
	for k, v := range owner.fields() {
		body[k] = v
	}
	return c.postFileInfo(ctx, "/files/mkdir", body)
}

// Delete removes a path recursively.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/files/delete", url.Values{"path": {path}}, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// Transfer moves or copies a path. mode is "move" or "copy".
func (c *Client) Transfer(ctx context.Context, from, to, mode string, ensureUniqueName bool, owner *Ownership) (*FileInfo, error) {
	body := map[string]any{
		"from":             from,
		"to":               to,
		"mode":             mode,
		"ensureUniqueName": ensureUniqueName,
	}
	for k, v := range owner.fields() {
		body[k] = v
	}
	return c.postFileInfo(ctx, "/files/transfer", body)
}

// SearchResponse mirrors the service's search payload.
type SearchResponse struct {
	Results    []*FileInfo `json:"results"`
	TotalFiles int         `json:"totalFiles"`
	HasMore    bool        `json:"hasMore"`
}

// Search expands a glob pattern below one or more base paths.
func (c *Client) Search(ctx context.Context, paths []string, pattern string, limit int, directories bool) (*SearchResponse, error) {
	q := url.Values{
		"paths":   {strings.Join(paths, ",")},
		"pattern": {pattern},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if directories {
		q.Set("directories", "true")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/files/search", q, nil)
	if err != nil {
		return nil, err
	}
	var out SearchResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Thumbnail renders an image thumbnail. Zero-valued parameters use the
// server defaults. The caller must close the reader.
func (c *Client) Thumbnail(ctx context.Context, path string, width, height int, format string) (io.ReadCloser, error) {
	q := url.Values{"path": {path}}
	if width > 0 {
		q.Set("width", strconv.Itoa(width))
	}
	if height > 0 {
		q.Set("height", strconv.Itoa(height))
	}
	if format != "" {
		q.Set("format", format)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/files/thumbnail/image", q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sdk: request failed")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

func (c *Client) postFileInfo(ctx context.Context, path string, body map[string]any) (*FileInfo, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var info FileInfo
	if err := c.doJSON(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Checksum computes the sha256:<hex> form the upload endpoints expect.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
