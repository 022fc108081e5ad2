// Package store provides the persisted key/value tier that survives
// process restarts. Writes are idempotent overwrites keyed by symbol, so
// no transactional semantics are needed.
package store

import "context"

// Store is the persistence capability consumed by the quote cache and
// history snapshots.
type Store interface {
	// Get returns the stored bytes and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
