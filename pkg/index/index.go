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

// Package index persists stable identifiers for filesystem entries. Ids are
// UUID v7, keyed by (base_path, rel_path) and reverse-mapped by (dev, ino)
// so a rename within a base keeps its id.
package index

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	// Provides sqlite drivers
	_ "github.com/mattn/go-sqlite3"
)

// Action describes what IndexFile did with an entry.
type Action string

// The possible outcomes of IndexFile.
const (
	ActionExisting Action = "existing"
	ActionMoved    Action = "moved"
	ActionAdded    Action = "added"
)

// Entry is one indexed filesystem entry.
type Entry struct {
	ID        string
	BasePath  string
	RelPath   string
	Dev       uint64
	Ino       uint64
	Size      int64
	MTimeMs   int64
	IsDir     bool
	IndexedAt int64
}

// Stat carries the identity-relevant part of a stat result.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Size    int64
	MTimeMs int64
	IsDir   bool
}

// Stats summarizes the index content.
type Stats struct {
	Files       int64 `json:"files"`
	Directories int64 `json:"directories"`
}

// Store is the persistent index. All methods are safe for concurrent use;
// callers share a single process-wide handle.
type Store struct {
	db *sql.DB
}

// Open opens the index database. An empty URL selects a shared in-memory
// database; anything else is treated as a sqlite file path.
func Open(databaseURL string) (*Store, error) {
	dsn := "file::memory:?cache=shared&_busy_timeout=5000"
	memory := databaseURL == ""
	if !memory {
		dsn = "file:" + databaseURL + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "index: error opening DB connection")
	}
	if memory {
		// a shared in-memory DB disappears when its last connection closes
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "index: error connecting to the database")
	}

	if err := initializeDB(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func initializeDB(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS file_index (
			id TEXT PRIMARY KEY,
			base_path TEXT NOT NULL,
			rel_path TEXT NOT NULL,
			dev INTEGER NOT NULL,
			ino INTEGER NOT NULL,
			size INTEGER NOT NULL,
			mtime_ms INTEGER NOT NULL,
			is_dir INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL,
			UNIQUE(base_path, rel_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_index_dev_ino ON file_index(dev, ino)`,
		`CREATE INDEX IF NOT EXISTS idx_file_index_base ON file_index(base_path)`,
		`CREATE TABLE IF NOT EXISTS scan_state (
			base_path TEXT NOT NULL,
			dir_path TEXT NOT NULL,
			mtime_ms INTEGER NOT NULL,
			scanned_at INTEGER NOT NULL,
			PRIMARY KEY(base_path, dir_path)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "index: error executing create statement")
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IndexFile assigns or refreshes the id for (basePath, relPath).
//
// The (basePath, relPath) lookup runs first; only entries unknown under
// their path are matched by (dev, ino), which is what makes renames keep
// their id. A freed inode reused for an unrelated file between scans is an
// accepted limitation.
func (s *Store) IndexFile(ctx context.Context, basePath, relPath string, st Stat, indexedAt int64) (string, Action, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM file_index WHERE base_path = ? AND rel_path = ?`,
		basePath, relPath).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE file_index SET dev = ?, ino = ?, size = ?, mtime_ms = ?, is_dir = ?, indexed_at = ? WHERE id = ?`,
			int64(st.Dev), int64(st.Ino), st.Size, st.MTimeMs, boolToInt(st.IsDir), indexedAt, id)
		if err != nil {
			return "", "", errors.Wrap(err, "index: error updating entry")
		}
		return id, ActionExisting, nil
	case err != sql.ErrNoRows:
		return "", "", errors.Wrap(err, "index: error querying entry")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM file_index WHERE dev = ? AND ino = ?`,
		int64(st.Dev), int64(st.Ino)).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE file_index SET base_path = ?, rel_path = ?, size = ?, mtime_ms = ?, is_dir = ?, indexed_at = ? WHERE id = ?`,
			basePath, relPath, st.Size, st.MTimeMs, boolToInt(st.IsDir), indexedAt, id)
		if err != nil {
			return "", "", errors.Wrap(err, "index: error moving entry")
		}
		return id, ActionMoved, nil
	case err != sql.ErrNoRows:
		return "", "", errors.Wrap(err, "index: error querying inode")
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", "", errors.Wrap(err, "index: error generating id")
	}
	id = u.String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO file_index (id, base_path, rel_path, dev, ino, size, mtime_ms, is_dir, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, basePath, relPath, int64(st.Dev), int64(st.Ino), st.Size, st.MTimeMs, boolToInt(st.IsDir), indexedAt)
	if err != nil {
		return "", "", errors.Wrap(err, "index: error inserting entry")
	}
	return id, ActionAdded, nil
}

// ResolveID returns the entry for an id, or nil when unknown.
func (s *Store) ResolveID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, base_path, rel_path, dev, ino, size, mtime_ms, is_dir, indexed_at FROM file_index WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// IdentifyPath returns the id stored for (basePath, relPath), or the empty
// string when the path is not indexed.
func (s *Store) IdentifyPath(ctx context.Context, basePath, relPath string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM file_index WHERE base_path = ? AND rel_path = ?`, basePath, relPath).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "index: error querying path")
	}
	return id, nil
}

// RemoveFromIndex deletes the entry for a single path.
func (s *Store) RemoveFromIndex(ctx context.Context, basePath, relPath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_index WHERE base_path = ? AND rel_path = ?`, basePath, relPath)
	return errors.Wrap(err, "index: error deleting entry")
}

// RemoveFromIndexRecursive deletes the entry for a path and everything
// below it. The LIKE prefix is escaped so directory names containing \, %
// or _ cannot match siblings.
func (s *Store) RemoveFromIndexRecursive(ctx context.Context, basePath, relPath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_index WHERE base_path = ? AND (rel_path = ? OR rel_path LIKE ? ESCAPE '\')`,
		basePath, relPath, escapeLike(relPath)+"/%")
	return errors.Wrap(err, "index: error deleting subtree")
}

// BulkResolve resolves a set of ids. Ids that are not in the index are
// mapped to nil.
func (s *Store) BulkResolve(ctx context.Context, ids []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		out[id] = nil
	}

	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT id, base_path, rel_path, dev, ino, size, mtime_ms, is_dir, indexed_at FROM file_index WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "index: error querying ids")
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// TouchIndexedAtUnderDir bumps indexed_at for a directory entry and all of
// its descendants. The scanner uses it when it skips an unchanged subtree
// so the stale sweep does not collect live entries.
func (s *Store) TouchIndexedAtUnderDir(ctx context.Context, basePath, dirPath string, ts int64) error {
	var err error
	if dirPath == "." {
		_, err = s.db.ExecContext(ctx,
			`UPDATE file_index SET indexed_at = ? WHERE base_path = ?`, ts, basePath)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE file_index SET indexed_at = ? WHERE base_path = ? AND (rel_path = ? OR rel_path LIKE ? ESCAPE '\')`,
			ts, basePath, dirPath, escapeLike(dirPath)+"/%")
	}
	return errors.Wrap(err, "index: error touching subtree")
}

// RemoveStaleEntries deletes every entry of a base whose indexed_at is
// older than the given scan generation and returns how many were removed.
func (s *Store) RemoveStaleEntries(ctx context.Context, basePath string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_index WHERE base_path = ? AND indexed_at < ?`, basePath, before)
	if err != nil {
		return 0, errors.Wrap(err, "index: error removing stale entries")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "index: error counting stale entries")
}

// GetIndexStats returns file and directory counts.
func (s *Store) GetIndexStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN is_dir = 0 THEN 1 END),
			COUNT(CASE WHEN is_dir = 1 THEN 1 END)
		 FROM file_index`).Scan(&st.Files, &st.Directories)
	return st, errors.Wrap(err, "index: error reading stats")
}

// GetScanState returns the recorded mtime for a directory, if any.
func (s *Store) GetScanState(ctx context.Context, basePath, dirPath string) (int64, bool, error) {
	var mtime int64
	err := s.db.QueryRowContext(ctx,
		`SELECT mtime_ms FROM scan_state WHERE base_path = ? AND dir_path = ?`, basePath, dirPath).Scan(&mtime)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "index: error querying scan state")
	}
	return mtime, true, nil
}

// SetScanState records the mtime observed for a directory.
func (s *Store) SetScanState(ctx context.Context, basePath, dirPath string, mtimeMs, scannedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_state (base_path, dir_path, mtime_ms, scanned_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(base_path, dir_path) DO UPDATE SET mtime_ms = excluded.mtime_ms, scanned_at = excluded.scanned_at`,
		basePath, dirPath, mtimeMs, scannedAt)
	return errors.Wrap(err, "index: error writing scan state")
}

type scannable interface {
	Scan(...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var dev, ino int64
	var isDir int
	err := row.Scan(&e.ID, &e.BasePath, &e.RelPath, &dev, &ino, &e.Size, &e.MTimeMs, &isDir, &e.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "index: error scanning row")
	}
	e.Dev, e.Ino = uint64(dev), uint64(ino)
	e.IsDir = isDir != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
