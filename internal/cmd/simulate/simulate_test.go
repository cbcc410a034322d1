package simulate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/internal/config"
	"github.com/unkn0wn-root/flashsale/seckill"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		SQLitePath: filepath.Join(t.TempDir(), "sale.db"),
		LogLevel:   "info",
		LogBackend: "zap",
		Codec:      "json",
		CacheTTL:   time.Minute,
		Strategy:   "passthrough",
		Admission:  "script",
		Persist:    "sync",
		Users:      40,
		Attempts:   2,
		Stock:      10,
		Shops:      12,
		Readers:    4,
		Reads:      20,
	}
}

func TestSimulate(t *testing.T) {
	testCases := []struct {
		name string
		mut  func(*config.Config)
	}{
		{name: "script_sync_passthrough", mut: func(*config.Config) {}},
		{name: "script_queue_logical", mut: func(c *config.Config) {
			c.Persist = "queue"
			c.Strategy = "logical"
			c.Codec = "cbor"
			c.NearCache = "ristretto"
			c.LogBackend = "logrus"
		}},
		{name: "locked_mutex", mut: func(c *config.Config) {
			c.Admission = "locked"
			c.Strategy = "mutex"
			c.Codec = "msgpack"
			c.NearCache = "bigcache"
			c.LogBackend = "slog"
		}},
		{name: "protobuf_mutex", mut: func(c *config.Config) {
			c.Strategy = "mutex"
			c.Codec = "protobuf"
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mut(&cfg)

			rep, err := Simulate(context.Background(), cfg, io.Discard)
			require.NoError(t, err)

			sale := rep.Sale
			assert.Equal(t, int64(cfg.Stock), sale.Admitted)
			assert.Zero(t, sale.Remaining)
			assert.Zero(t, sale.Failed)
			assert.Zero(t, sale.Rejected)
			assert.Empty(t, sale.Flagged)
			assert.Equal(t, int64(cfg.Users*cfg.Attempts), sale.Admitted+sale.SoldOut+sale.Duplicate)

			reads := rep.Reads
			total := int64(cfg.Readers * cfg.Reads)
			assert.Equal(t, total, reads.Reads)
			assert.Zero(t, reads.Failed)
			assert.Equal(t, total-total/missEvery, reads.Found)
			assert.Equal(t, cfg.Shops, reads.Listed)
			assert.Equal(t, 10, reads.Updates)
		})
	}
}

func TestSimulateMoreStockThanBuyers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stock = 100

	rep, err := Simulate(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, int64(cfg.Users), rep.Sale.Admitted)
	assert.Equal(t, int64(cfg.Users), rep.Sale.Duplicate, "every second attempt is a duplicate")
	assert.Equal(t, int64(60), rep.Sale.Remaining)
}

func TestSimulateRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = 1

	rep, err := Simulate(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	assert.Positive(t, rep.Sale.Throttled)
	assert.LessOrEqual(t, rep.Sale.Admitted, int64(cfg.Stock))
	assert.Equal(t, int64(cfg.Users*cfg.Attempts),
		rep.Sale.Admitted+rep.Sale.SoldOut+rep.Sale.Duplicate+rep.Sale.Throttled)
}

func TestSimulateLogsReport(t *testing.T) {
	cfg := testConfig(t)
	var out syncBuffer

	_, err := Simulate(context.Background(), cfg, &out)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out.String(), "simulation finished"), out.String())
	assert.True(t, strings.Contains(out.String(), "offer staged"))
}

func TestSimulateRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admission = "lottery"
	_, err := Simulate(context.Background(), cfg, io.Discard)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1" // nothing listens there
	_, err = Simulate(context.Background(), cfg, io.Discard)
	require.Error(t, err)
}

func TestAdmitAllCountsFailuresWithoutStopping(t *testing.T) {
	var calls atomic.Int64
	admit := func(_ context.Context, userID int64) (seckill.Result, error) {
		calls.Add(1)
		switch {
		case userID%3 == 0:
			return seckill.Result{}, errors.New("ledger down")
		case userID%3 == 1:
			return seckill.Result{}, seckill.ErrThrottled
		}
		return seckill.Result{Status: seckill.StatusAdmitted}, nil
	}

	var rep SaleReport
	err := admitAll(context.Background(), flashsale.NopLogger{}, 30, 2, admit, &rep)
	require.NoError(t, err)
	assert.Equal(t, int64(60), calls.Load())
	assert.Equal(t, int64(20), rep.Failed)
	assert.Equal(t, int64(20), rep.Throttled)
	assert.Equal(t, int64(20), rep.Admitted)
}

func TestAdmitAllStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	admit := func(ctx context.Context, _ int64) (seckill.Result, error) {
		if calls.Add(1) == 5 {
			cancel()
		}
		<-ctx.Done()
		return seckill.Result{}, ctx.Err()
	}

	var rep SaleReport
	err := admitAll(ctx, flashsale.NopLogger{}, 1000, 1, admit, &rep)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls.Load(), int64(1000), "no new admissions after cancellation")
	assert.Zero(t, rep.Failed, "cancellation is not a failed admission")
}
