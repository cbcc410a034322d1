package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrLockContended means a Mutex read gave up waiting for another holder
	// to fill the key.
	ErrLockContended = errors.New("cache: rebuild lock contended")
	// ErrNotFound is returned by Prewarm when the loader reports absence.
	ErrNotFound = errors.New("cache: entity not found")
)

// InvalidateError reports an invalidation that may have left a stale entry
// readable: the delete failed and no generation bump covered for it.
type InvalidateError struct {
	Key     string
	BumpErr error // nil when no GenStore is configured or the bump succeeded
	DelErr  error
}

func (e *InvalidateError) Error() string {
	if e.BumpErr != nil {
		return fmt.Sprintf("cache: invalidate %q: bump: %v; delete: %v", e.Key, e.BumpErr, e.DelErr)
	}
	return fmt.Sprintf("cache: invalidate %q: delete: %v", e.Key, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	var errs []error
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
