package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close(ctx)

	if ok, _ := p.Set(ctx, "k", []byte("frame"), 0, time.Minute); !ok {
		t.Fatalf("set dropped")
	}
	p.Wait()
	b, ok, err := p.Get(ctx, "k")
	if !ok || err != nil || string(b) != "frame" {
		t.Fatalf("get: %q ok=%v err=%v", b, ok, err)
	}
	_ = p.Del(ctx, "k")
	if _, ok, _ := p.Get(ctx, "k"); ok {
		t.Fatalf("entry survived delete")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
