// Package ristretto is a near-cache provider over dgraph-io/ristretto with
// per-entry TTL and cost-based admission.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/flashsale/provider"
)

type Provider struct {
	c *rc.Cache
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64 // in bytes when the cache passes len(frame) as cost
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, isBytes := v.([]byte)
	if !isBytes {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set admits value asynchronously; ok=false means the write was dropped by
// ristretto's admission policy or buffers.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
	}
	return p.c.SetWithTTL(key, value, cost, ttl), nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
