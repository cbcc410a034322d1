// Package provider defines the process-local near cache that can sit in
// front of the shared KV store.
//
// A near cache only ever holds copies of frames read from (or written to) the
// KV store, for a short TTL. It is not coordinated across processes: an
// invalidation in one process reaches other processes' near caches only when
// their copies expire, so keep LocalTTL small.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the []byte previously passed to Set for the same key.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
