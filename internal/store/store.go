// Package store provides persistence for the SDK: a small key-value layer
// that backs the token store and account selection, and a Parquet journal
// for execution events.
package store

import (
	"fmt"
	"log/slog"

	"tradable/internal/domain"
)

// KV is the persistence contract the token store is built on. Implementations
// must make SetMany atomic: either every pair is written or none is.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set writes a single key.
	Set(key, value string) error

	// SetMany writes all pairs atomically.
	SetMany(pairs map[string]string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(keys ...string) error

	// Close releases the backing resources.
	Close() error
}

// Open returns a SQLite-backed KV at path, verified by a write-then-delete
// probe. When the backend cannot be used (directory not writable, database
// locked by policy) it logs once and falls back to a memory-only KV — the
// session then simply does not survive a restart.
func Open(path string, log *slog.Logger) KV {
	kv, err := OpenSQLiteKV(path)
	if err == nil {
		if err = kv.Probe(); err == nil {
			return kv
		}
		kv.Close()
	}
	err = fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	log.Warn("falling back to memory-only session", "path", path, "error", err)
	return NewMemoryKV()
}
