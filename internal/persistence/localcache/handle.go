package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrHandleDestroyed = errors.New("local cache handle destroyed")

// Handle is the per-document view of the cache.
type Handle struct {
	store *Store
	key   string

	mu        sync.Mutex
	destroyed bool
}

func (h *Handle) Key() string { return h.key }

// Load returns the stored snapshot (nil when none) and the updates recorded
// after it, oldest first.
func (h *Handle) Load(ctx context.Context) ([]byte, [][]byte, error) {
	if err := h.check(); err != nil {
		return nil, nil, err
	}
	db := h.store.db

	var snapshot []byte
	err := db.QueryRowContext(ctx, "SELECT snapshot FROM documents WHERE key = ?", h.key).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to load snapshot for %s: %w", h.key, err)
	}

	rows, err := db.QueryContext(ctx, "SELECT payload FROM document_updates WHERE key = ? ORDER BY seq ASC", h.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load updates for %s: %w", h.key, err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, err
		}
		updates = append(updates, payload)
	}
	return snapshot, updates, rows.Err()
}

// Exists reports whether anything has ever been stored under this key.
func (h *Handle) Exists(ctx context.Context) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	var n int
	err := h.store.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM documents WHERE key = ?) +
		       (SELECT COUNT(*) FROM document_updates WHERE key = ?)`, h.key, h.key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", h.key, err)
	}
	return n > 0, nil
}

func (h *Handle) AppendUpdate(ctx context.Context, payload []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	_, err := h.store.db.ExecContext(ctx, "INSERT INTO document_updates (key, payload) VALUES (?, ?)", h.key, payload)
	if err != nil {
		return fmt.Errorf("failed to append update for %s: %w", h.key, err)
	}
	return nil
}

// SaveSnapshot replaces the snapshot and drops the updates it supersedes.
func (h *Handle) SaveSnapshot(ctx context.Context, snapshot []byte) error {
	if err := h.check(); err != nil {
		return err
	}
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (key, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		h.key, snapshot, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", h.key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM document_updates WHERE key = ?", h.key); err != nil {
		return fmt.Errorf("failed to compact updates for %s: %w", h.key, err)
	}
	return tx.Commit()
}

// Destroy releases the handle. Stored data is kept. Safe to call repeatedly.
func (h *Handle) Destroy() error {
	if !h.markDestroyed() {
		return nil
	}
	h.store.release(h.key, h)
	return nil
}

func (h *Handle) markDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return false
	}
	h.destroyed = true
	return true
}

func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Handle) check() error {
	if h.Destroyed() {
		return ErrHandleDestroyed
	}
	return nil
}
