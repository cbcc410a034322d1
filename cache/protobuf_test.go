package cache

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/flashsale/kv/memory"
	"github.com/unkn0wn-root/flashsale/store"
	"github.com/unkn0wn-root/flashsale/store/storepb"
)

func TestProtobufCodecThroughCache(t *testing.T) {
	ctx := context.Background()
	kvs := memory.New(memory.Config{})
	c, err := New(Options[store.Shop]{Store: kvs, Codec: storepb.ShopCodec()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	want := store.Shop{ID: 1, Name: "hot", Score: 40, UpdatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	var calls int
	load := func(context.Context, string) (store.Shop, bool, error) {
		calls++
		return want, true, nil
	}

	for _, read := range []Strategy{PassThrough, Mutex} {
		got, ok, err := c.Read(ctx, read, prefix, "1", load, time.Minute)
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", read, ok, err)
		}
		if got.ID != want.ID || got.Name != want.Name || got.Score != want.Score || !got.UpdatedAt.Equal(want.UpdatedAt) {
			t.Fatalf("%s: got %+v want %+v", read, got, want)
		}
	}
	if calls != 1 {
		t.Fatalf("loader calls = %d, want 1 (second read decodes the protobuf entry)", calls)
	}

	if err := c.Prewarm(ctx, prefix, "2", load, time.Minute); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	got, ok, err := c.ReadWithLogicalExpiry(ctx, prefix, "2", load, time.Minute)
	if err != nil || !ok || got.Name != want.Name {
		t.Fatalf("logical: got=%+v ok=%v err=%v", got, ok, err)
	}
}
