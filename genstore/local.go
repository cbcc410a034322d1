package genstore

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Local keeps generations in-process. Entries untouched for longer than the
// retention are dropped and read back as 0; cached frames stamped with an
// older gen then self-heal on their next read.
type Local struct {
	mu sync.Mutex // serializes Bump's read-modify-write
	c  *gocache.Cache
}

var _ GenStore = (*Local)(nil)

// NewLocal creates a local store. retention <= 0 keeps generations forever;
// cleanupInterval <= 0 disables the background janitor.
func NewLocal(cleanupInterval, retention time.Duration) *Local {
	if retention <= 0 {
		retention = gocache.NoExpiration
	}
	return &Local{c: gocache.New(retention, cleanupInterval)}
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	v, ok := s.c.Get(k)
	if !ok {
		return 0, nil
	}
	return v.(uint64), nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g uint64
	if v, ok := s.c.Get(k); ok {
		g = v.(uint64)
	}
	g++
	s.c.Set(k, g, gocache.DefaultExpiration) // refreshes retention
	return g, nil
}

// Len reports how many generations are currently retained.
func (s *Local) Len() int { return s.c.ItemCount() }

func (s *Local) Close(context.Context) error {
	s.c.Flush()
	return nil
}
