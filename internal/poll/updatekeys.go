// Package poll drives the periodic account-snapshot fetch: a single-flight
// timer loop plus the registry of live price-update subscriptions that
// decides which symbols each fetch requests.
package poll

import (
	"sort"
	"strings"
	"sync"

	"tradable/internal/domain"
)

// UpdateKeySet tracks live price-update subscriptions as "symbol:clientID"
// keys. A symbol is included in the next poll's request iff at least one key
// carries it as prefix.
type UpdateKeySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewUpdateKeySet creates an empty set.
func NewUpdateKeySet() *UpdateKeySet {
	return &UpdateKeySet{keys: make(map[string]struct{})}
}

// Add registers a subscription for symbol owned by clientID. Adding the same
// pair twice is a no-op. The clientID must be non-empty and free of the ':'
// delimiter — Symbols splits keys at the last ':', so a colon in the id would
// corrupt the parsed symbol. Symbols themselves may contain the delimiter.
func (u *UpdateKeySet) Add(symbol, clientID string) error {
	if symbol == "" {
		return &domain.InvalidArgumentError{Field: "symbol", Reason: "must be a non-empty string"}
	}
	if clientID == "" {
		return &domain.InvalidArgumentError{Field: "clientID", Reason: "must be a non-empty string"}
	}
	if strings.Contains(clientID, ":") {
		return &domain.InvalidArgumentError{Field: "clientID", Reason: "must not contain ':'"}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys[symbol+":"+clientID] = struct{}{}
	return nil
}

// Remove drops the subscription for (symbol, clientID).
func (u *UpdateKeySet) Remove(symbol, clientID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.keys, symbol+":"+clientID)
}

// RemoveClient drops every subscription owned by clientID.
func (u *UpdateKeySet) RemoveClient(clientID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	suffix := ":" + clientID
	for k := range u.keys {
		if strings.HasSuffix(k, suffix) {
			delete(u.keys, k)
		}
	}
}

// Symbols returns the deduplicated, sorted symbol prefixes across all live
// keys. The clientID is everything after the last ':', so symbols themselves
// may contain the delimiter.
func (u *UpdateKeySet) Symbols() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	seen := make(map[string]struct{}, len(u.keys))
	for k := range u.keys {
		symbol := k
		if i := strings.LastIndex(k, ":"); i >= 0 {
			symbol = k[:i]
		}
		seen[symbol] = struct{}{}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
