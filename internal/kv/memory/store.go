// Package memory provides an in-memory implementation of the kv.Store interface.
// It is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Store is an in-memory implementation of kv.Store.
// It uses nested maps with mutex protection for thread-safe access.
type Store struct {
	mu sync.RWMutex

	// namespaces maps namespace -> key -> value.
	namespaces map[string]map[string][]byte
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		namespaces: make(map[string]map[string][]byte),
	}
}

// Get retrieves the value for a key. Returns nil, nil if the key is absent.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	value, ok := ns[key]
	if !ok {
		return nil, nil
	}

	// Return a copy to prevent external modification.
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Set stores or overwrites the value for a key.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.namespaces[namespace] = ns
	}

	// Store a copy to prevent external modification.
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = stored
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.namespaces[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// ListKeys returns every key in the namespace, sorted ascending.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespaces[namespace]
	keys := make([]string, 0, len(ns))
	for key := range ns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases any resources (no-op for in-memory store).
func (s *Store) Close() error {
	return nil
}

// --- Test Helpers ---

// Clear removes all data from the store. Useful for test cleanup.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.namespaces = make(map[string]map[string][]byte)
}

// Len returns the number of keys in a namespace. Useful for assertions.
func (s *Store) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.namespaces[namespace])
}
