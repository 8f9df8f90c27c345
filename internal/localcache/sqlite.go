// Package localcache is a durable key/value store for client-side state,
// most importantly the remembered session marker. It survives process
// restarts so a session can be restored without re-entering credentials.
package localcache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("localcache: not found")

// Keys used by the session arbitration flow.
const (
	KeySessionUserID = "session.user_id"
	KeySessionToken  = "session.token"
)

// Cache is a SQLite-backed key/value store.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("localcache: empty path")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("localcache: open: %w", err)
	}

	c := &Cache{db: db}
	if err := c.initTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localcache: init: %w", err)
	}
	return c, nil
}

func (c *Cache) initTables() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Get returns the value for key or ErrNotFound.
func (c *Cache) Get(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("localcache: get %q: %w", key, err)
	}
	return value, nil
}

// Set stores a value for key, replacing any previous value.
func (c *Cache) Set(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("localcache: set %q: %w", key, err)
	}
	return nil
}

// Remove deletes a key. Removing a missing key is a no-op.
func (c *Cache) Remove(key string) error {
	if _, err := c.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("localcache: remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
