// Package store implements the Metadata Store: a durable key->record
// mapping with upsert/list/delete, backed by an embedded SQL engine.
//
// The store is a single-writer resource: all mutations are expected to
// funnel through the lifecycle manager, which serializes writes per
// instance. Readers may run concurrently.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB bound to a single instances table.
type Store struct {
	Path string
	db   *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, applies
// pragmas for a single-writer/WAL configuration, and runs the schema
// migration.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{Path: path, db: conn}, nil
}

// Close releases the underlying connection. Safe to call on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY,
	sandbox_id    TEXT NOT NULL,
	state         TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	preview_token TEXT NOT NULL DEFAULT '',
	username      TEXT NOT NULL,
	password      TEXT NOT NULL,
	providers     TEXT NOT NULL DEFAULT '[]',
	labels        TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
