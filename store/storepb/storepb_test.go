package storepb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flashsale/store"
)

func TestShopRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		shop store.Shop
	}{
		{"full", store.Shop{
			ID:        42,
			Name:      "noodle bar",
			TypeID:    3,
			Address:   "1 Main St",
			Score:     47,
			UpdatedAt: time.Date(2024, 6, 1, 9, 30, 0, 123456789, time.UTC),
		}},
		{"zero_fields", store.Shop{ID: 1, Name: "bare"}},
	}
	c := ShopCodec()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := c.Encode(tc.shop)
			require.NoError(t, err)
			got, err := c.Decode(b)
			require.NoError(t, err)
			assert.True(t, got.UpdatedAt.Equal(tc.shop.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, tc.shop.UpdatedAt)
			assert.Equal(t, tc.shop.UpdatedAt.IsZero(), got.UpdatedAt.IsZero())
			got.UpdatedAt, tc.shop.UpdatedAt = time.Time{}, time.Time{}
			assert.Equal(t, tc.shop, got)
		})
	}
}

func TestOfferRoundTrip(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	want := store.Offer{ID: 7, Stock: 100, WindowStart: start, WindowEnd: start.Add(time.Hour)}

	c := OfferCodec()
	b, err := c.Encode(want)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Stock, got.Stock)
	assert.True(t, got.WindowStart.Equal(want.WindowStart))
	assert.True(t, got.WindowEnd.Equal(want.WindowEnd))
}

func TestDeterministicEncoding(t *testing.T) {
	s := store.Shop{ID: 9, Name: "a", Address: "b", Score: 1, UpdatedAt: time.Unix(1700000000, 5).UTC()}
	c := ShopCodec()
	first, err := c.Encode(s)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b, err := c.Encode(s)
		require.NoError(t, err)
		assert.Equal(t, first, b)
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := ShopCodec().Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
