package store

import "sync"

// Compile-time interface check.
var _ KV = (*MemoryKV)(nil)

// MemoryKV is the non-persistent fallback used when the storage probe fails.
// The session works normally but does not survive a restart.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

// Set writes a single key.
func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

// SetMany writes all pairs under one lock acquisition.
func (m *MemoryKV) SetMany(pairs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range pairs {
		m.items[k] = v
	}
	return nil
}

// Delete removes the given keys.
func (m *MemoryKV) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Close is a no-op for the memory backend.
func (m *MemoryKV) Close() error { return nil }
