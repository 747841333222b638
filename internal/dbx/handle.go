// Package dbx implements the Scope & Schema Guard (C1): idempotent schema
// evolution and the filter-clause builders shared by every read path.
package dbx

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ensuredDBs caches which *sql.DB handles have already had their schema
// ensured, mirroring the teacher's per-client-handle cache discipline
// (internal/store/pg PGSessionStore's guarded cache map).
var (
	ensuredMu sync.Mutex
	ensured   = map[*sql.DB]bool{}
)

// Open opens (creating if necessary) a sqlite-backed tenant database at
// path and ensures its schema. Safe to call repeatedly for the same path
// from different processes is not guaranteed; within one process the
// schema-ensure is memoized per *sql.DB handle.
func Open(path string) (*sql.DB, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if expanded != ":memory:" {
		if dir := filepath.Dir(expanded); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("dbx: create db dir: %w", err)
			}
		}
	}

	dsn := expanded
	if expanded != ":memory:" {
		dsn = expanded + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, simplest correct default

	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema runs the idempotent schema evolution for db exactly once
// per handle (subsequent calls are a cheap no-op via the ensured cache).
func EnsureSchema(db *sql.DB) error {
	ensuredMu.Lock()
	if ensured[db] {
		ensuredMu.Unlock()
		return nil
	}
	ensuredMu.Unlock()

	if err := ensureTables(db); err != nil {
		return err
	}

	ensuredMu.Lock()
	ensured[db] = true
	ensuredMu.Unlock()
	return nil
}

// forgetEnsured clears the memoized ensure-state for db; used by tests
// that want EnsureSchema to run again against a fresh schema.
func forgetEnsured(db *sql.DB) {
	ensuredMu.Lock()
	delete(ensured, db)
	ensuredMu.Unlock()
}

func expandHome(path string) (string, error) {
	if path == ":memory:" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("dbx: resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
