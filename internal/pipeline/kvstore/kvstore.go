// Package kvstore defines the key/value collaborator used for deduplication
// entries and circuit state snapshots. Implementations must provide
// last-write-wins semantics with monotonic TTL expiry.
package kvstore

import (
	"context"
	"time"
)

// Store is a key/value store with per-entry TTL.
type Store interface {
	// Get returns the value for key and whether it exists (and is unexpired).
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A non-zero ttl bounds the entry lifetime;
	// ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}
