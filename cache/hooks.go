package cache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// The backing store confirmed absence; the empty marker was written.
	NullCached(storageKey string)

	// A logical-expiry rebuild was queued, or dropped because the pool was full.
	RebuildScheduled(storageKey string)
	RebuildDropped(storageKey string)

	// The loader failed or panicked during a background rebuild.
	RebuildFailed(storageKey string, err error)

	// Another caller holds the rebuild lock for the key.
	LockContended(storageKey string)

	// GenStore errors (snapshot or bump).
	GenError(storageKey string, err error)

	// Both gen bump and delete failed during Invalidate (likely backend outage).
	InvalidateOutage(storageKey string, bumpErr, delErr error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) NullCached(string)                     {}
func (NopHooks) RebuildScheduled(string)               {}
func (NopHooks) RebuildDropped(string)                 {}
func (NopHooks) RebuildFailed(string, error)           {}
func (NopHooks) LockContended(string)                  {}
func (NopHooks) GenError(string, error)                {}
func (NopHooks) InvalidateOutage(string, error, error) {}
