package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ KV = (*SQLiteKV)(nil)

// SQLiteKV persists key-value pairs in a single SQLite table so the session
// survives process restarts.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLiteKV opens (or creates) the database at dbPath and ensures the
// state table exists.
func OpenSQLiteKV(dbPath string) (*SQLiteKV, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sdk_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sdk_state table: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

// Probe verifies the backend actually accepts writes by inserting and
// deleting a sentinel row. Run once at startup; a read-only or policy-blocked
// database fails here instead of at the first save.
func (s *SQLiteKV) Probe() error {
	const key = "__probe__"
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO sdk_state (key, value) VALUES (?, ?)`, key, "1"); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM sdk_state WHERE key = ?`, key)
	return err
}

// Get returns the value for key and whether it was present.
func (s *SQLiteKV) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sdk_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set writes a single key.
func (s *SQLiteKV) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sdk_state (key, value) VALUES (?, ?)`, key, value)
	return err
}

// SetMany writes all pairs in one transaction, so a partial write can never
// be observed.
func (s *SQLiteKV) SetMany(pairs map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for key, value := range pairs {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO sdk_state (key, value) VALUES (?, ?)`, key, value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Delete removes the given keys.
func (s *SQLiteKV) Delete(keys ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := tx.Exec(`DELETE FROM sdk_state WHERE key = ?`, key); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
