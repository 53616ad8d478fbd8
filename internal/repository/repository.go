// Package repository is the SQLite-backed store for sessions and captured
// requests described in spec.md §4.1. It owns eviction of unsaved rows once
// a project crosses its configured MaxStoredRequests, and exposes the
// filtered listing, full-text, and JSON-path queries the control plane
// dispatches to.
package repository

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/procsi/procsid/internal/assert"
)

//go:embed schema.sql
var schemaSQL string

// Repository wraps a single SQLite connection. SQLite serializes writers
// internally, but we still take a mutex around the insert-then-evict
// sequence so two concurrent saves can't both observe room under the cap.
type Repository struct {
	db          *sql.DB
	mu          sync.Mutex
	maxRequests int
	bodyCache   *bodyDigestCache
}

// bodyDigestCacheCapacity bounds the memoized-decode cache; bodies capped
// at MaxBodySize each, so this trades a few MB of daemon memory for
// skipping repeated decode/canonicalize work on hot rows.
const bodyDigestCacheCapacity = 512

// Open creates (or reuses) the SQLite database at dbPath, applies the
// schema, and enables WAL mode for concurrent readers during writes.
func Open(dbPath string, maxRequests int) (*Repository, error) {
	if err := assert.Check(dbPath != "", "dbPath must not be empty"); err != nil {
		return nil, err
	}
	if err := assert.Check(maxRequests > 0, "maxRequests must be positive"); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 connections aren't safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Repository{db: db, maxRequests: maxRequests, bodyCache: newBodyDigestCache(bodyDigestCacheCapacity)}, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SetMaxRequests updates the eviction cap, e.g. after a config reload.
func (r *Repository) SetMaxRequests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.maxRequests = n
	}
}
