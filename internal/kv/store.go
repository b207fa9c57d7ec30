// Package kv defines the namespaced key-to-blob storage boundary.
// These abstractions allow swapping implementations (BadgerDB, Redis, in-memory)
// without changing business logic. The cache, anomaly and storage components
// treat this boundary as a strict performance layer: implementations report
// errors, callers decide whether absence is an acceptable degradation.
package kv

import "context"

// Namespaces owned by CostWatch inside the store.
const (
	// NamespaceCache holds aggregation-cache entry envelopes.
	NamespaceCache = "aggcache"

	// NamespaceAnomaly holds persisted anomaly detection batches.
	NamespaceAnomaly = "anomaly"

	// NamespaceBilling holds ingested usage records, keyed date-first.
	NamespaceBilling = "billing"

	// NamespaceSettings holds whole-document JSON settings blobs.
	NamespaceSettings = "settings"
)

// Store is an async, persistent, namespaced key→blob store.
// All methods must be safe for concurrent use.
type Store interface {
	// Get retrieves the value for a key. Returns nil, nil if the key is absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Set stores or overwrites the value for a key atomically.
	Set(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// ListKeys returns every key in the namespace, sorted ascending.
	ListKeys(ctx context.Context, namespace string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// DirProvider is implemented by stores with an on-disk footprint that the
// storage controller can walk for exact usage reporting. Stores without a
// directory (memory, redis) simply do not implement it and the controller
// falls back to byte estimates.
type DirProvider interface {
	// Dir returns the directory holding the store's files.
	Dir() string
}
