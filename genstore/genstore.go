// Package genstore holds per-key generation counters. The cache snapshots a
// key's generation before loading and writes the loaded value only if the
// generation is unchanged, so an invalidation that races a fill wins.
package genstore

import "context"

// GenStore abstracts where generations live.
// Use Local for in-process gens, or KV for gens shared through the KV store.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
