// Package kv defines the shared key-value store contract used for all
// cross-process coordination (cache entries, locks, id counters, stock).
//
// Implementations must be safe for concurrent use and byte-for-byte
// transparent for string values: Get returns exactly the []byte passed to Set.
// A stored zero-length value is a hit, distinct from a missing key.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrScriptFailed wraps errors raised while a script executes on the store.
var ErrScriptFailed = errors.New("kv: script failed")

// Store is the KV Store Adapter. ttl <= 0 means "no expiry" everywhere.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent; reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr atomically increments an integer value (missing => 0) and returns it.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key; false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Eval executes script atomically with respect to every other operation
	// on the store and returns its integer reply.
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (int64, error)

	// Close releases resources owned by the store.
	Close(ctx context.Context) error
}
