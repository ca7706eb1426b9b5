// Package registry provides persistent storage for deskvm instance records.
// Uses pure-Go SQLite (modernc.org/sqlite), so no cgo is required.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for deskvm registry storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Several deskvm processes share one registry file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id              TEXT PRIMARY KEY,
			state           TEXT NOT NULL DEFAULT 'starting',
			readiness       TEXT NOT NULL DEFAULT 'not_started',
			container_id    TEXT NOT NULL DEFAULT '',
			container_name  TEXT NOT NULL DEFAULT '',
			ports           TEXT NOT NULL DEFAULT '{}',
			os_type         TEXT NOT NULL DEFAULT '',
			container_image TEXT NOT NULL DEFAULT '',
			disk_image      TEXT NOT NULL DEFAULT '',
			owner_pid       INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_instance ON events(instance_id, seq)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
