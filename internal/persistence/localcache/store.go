// Package localcache is the durable local document cache. It keeps one
// compacted snapshot per document key plus the updates recorded since, and
// the file metadata records, in a single SQLite file.
package localcache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-editor-be/internal/metadata"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

var (
	ErrClosed     = errors.New("local cache is closed")
	ErrHandleOpen = errors.New("document already open in local cache")
)

type Store struct {
	db *sql.DB

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// Open creates or opens the cache at path. WAL mode, a single connection and
// a busy timeout keep concurrent writers from tripping over each other.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to local cache: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	return &Store{db: db, handles: make(map[string]*Handle)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, h := range s.handles {
		h.markDestroyed()
	}
	s.handles = nil
	return s.db.Close()
}

// OpenDocument returns the handle for key. Only one handle per key may be
// live at a time.
func (s *Store) OpenDocument(ctx context.Context, key string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.handles[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleOpen, key)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	h := &Handle{store: s, key: key}
	s.handles[key] = h
	return h, nil
}

func (s *Store) release(key string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[key] == h {
		delete(s.handles, key)
	}
}

// DeleteDocument removes content and metadata for key.
func (s *Store) DeleteDocument(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM documents WHERE key = ?",
		"DELETE FROM document_updates WHERE key = ?",
		"DELETE FROM file_metadata WHERE key = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) PutMetadata(ctx context.Context, rec metadata.FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_metadata (key, kind, name, owner, modified_at, size, unsaved)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			owner = excluded.owner,
			modified_at = excluded.modified_at,
			size = excluded.size,
			unsaved = excluded.unsaved`,
		rec.Key, string(rec.Kind), rec.Name, rec.Owner, rec.ModifiedAt.UnixMilli(), rec.Size, rec.Unsaved)
	if err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", rec.Key, err)
	}
	return nil
}

// MarkUnsaved sets the unsaved flag of an existing record. The next
// PutMetadata clears it.
func (s *Store) MarkUnsaved(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE file_metadata SET unsaved = 1 WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to flag %s unsaved: %w", key, err)
	}
	return nil
}

// GetMetadata returns nil, nil when no record exists.
func (s *Store) GetMetadata(ctx context.Context, key string) (*metadata.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, kind, name, owner, modified_at, size, unsaved
		FROM file_metadata WHERE key = ?`, key)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", key, err)
	}
	return rec, nil
}

// ListMetadata returns every record, most recently modified first.
func (s *Store) ListMetadata(ctx context.Context) ([]metadata.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, kind, name, owner, modified_at, size, unsaved
		FROM file_metadata ORDER BY modified_at DESC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	var out []metadata.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (*metadata.FileRecord, error) {
	var (
		rec      metadata.FileRecord
		kind     string
		modified int64
		unsaved  int
	)
	if err := scan(&rec.Key, &kind, &rec.Name, &rec.Owner, &modified, &rec.Size, &unsaved); err != nil {
		return nil, err
	}
	rec.Kind = metadata.Kind(kind)
	rec.ModifiedAt = time.UnixMilli(modified)
	rec.Unsaved = unsaved != 0
	return &rec, nil
}
