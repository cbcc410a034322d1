package simulate

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/flashsale"
	"github.com/unkn0wn-root/flashsale/cache"
	"github.com/unkn0wn-root/flashsale/genstore"
	"github.com/unkn0wn-root/flashsale/internal/config"
	"github.com/unkn0wn-root/flashsale/kv"
	"github.com/unkn0wn-root/flashsale/kv/memory"
	kvredis "github.com/unkn0wn-root/flashsale/kv/redis"
	logrusadapter "github.com/unkn0wn-root/flashsale/log/logrus"
	slogadapter "github.com/unkn0wn-root/flashsale/log/slog"
	zapadapter "github.com/unkn0wn-root/flashsale/log/zap"
	"github.com/unkn0wn-root/flashsale/provider"
	"github.com/unkn0wn-root/flashsale/provider/bigcache"
	"github.com/unkn0wn-root/flashsale/provider/ristretto"
	"github.com/unkn0wn-root/flashsale/store"
	"github.com/unkn0wn-root/flashsale/store/postgres"
	"github.com/unkn0wn-root/flashsale/store/sqlite"
)

// backing is what the simulation needs from a database.
type backing interface {
	store.ShopStore
	store.OfferStore
	store.OrderLedger
	Close() error
}

// loggers returns the component logger for the configured backend and a slog
// logger for cache hooks. flush must run before exit.
func loggers(cfg config.Config, w io.Writer) (lg flashsale.Logger, hooks *stdslog.Logger, flush func(), err error) {
	var level stdslog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, nil, fmt.Errorf("log level: %w", err)
	}
	hooks = stdslog.New(stdslog.NewJSONHandler(w, &stdslog.HandlerOptions{Level: level}))
	flush = func() {}

	switch strings.ToLower(cfg.LogBackend) {
	case "", "zap":
		zl, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log level: %w", err)
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(w), zl)
		l := zap.New(core).Named("flashsale")
		return zapadapter.New(l), hooks, func() { _ = l.Sync() }, nil
	case "logrus":
		ll, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log level: %w", err)
		}
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(ll)
		l.SetFormatter(&logrus.JSONFormatter{})
		return logrusadapter.New(l), hooks, flush, nil
	case "slog":
		return slogadapter.Logger{L: hooks}, hooks, flush, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown log backend %q", cfg.LogBackend)
	}
}

// openKV connects to Redis when an address is configured and falls back to
// the in-process store otherwise.
func openKV(ctx context.Context, cfg config.Config) (kv.Store, error) {
	if cfg.RedisAddr == "" {
		return memory.New(memory.Config{}), nil
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, flashsale.Transient(fmt.Errorf("redis %s: %w", cfg.RedisAddr, err))
	}
	s, err := kvredis.New(kvredis.Config{Client: rdb, CloseClient: true})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg config.Config) (backing, error) {
	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	db, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// genStore keeps generations next to the cache entries when they are shared
// through Redis; an in-process kv only needs in-process generations.
func genStore(cfg config.Config, kvs kv.Store) genstore.GenStore {
	if cfg.RedisAddr == "" {
		return genstore.NewLocal(time.Minute, 2*cfg.CacheTTL)
	}
	return genstore.NewKV(kvs, 2*cfg.CacheTTL)
}

func nearCache(ctx context.Context, cfg config.Config) (provider.Provider, error) {
	var (
		p   provider.Provider
		err error
	)
	switch strings.ToLower(cfg.NearCache) {
	case "":
		return nil, nil
	case "ristretto":
		p, err = ristretto.New(ristretto.Config{NumCounters: 100_000, MaxCost: 64 << 20, BufferItems: 64})
	case "bigcache":
		p, err = bigcache.New(ctx, bigcache.Config{LifeWindow: cache.DefaultLocalTTL, HardMaxCacheSizeMB: 64})
	default:
		return nil, fmt.Errorf("unknown near cache %q", cfg.NearCache)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func strategy(name string) (cache.Strategy, error) {
	switch strings.ToLower(name) {
	case "passthrough":
		return cache.PassThrough, nil
	case "logical":
		return cache.LogicalExpiry, nil
	case "mutex":
		return cache.Mutex, nil
	default:
		return 0, errors.New("unknown read strategy " + name)
	}
}
