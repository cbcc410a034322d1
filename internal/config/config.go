// Package config loads command configuration from the environment and lets
// flags override it.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every knob of the flashsale command.
type Config struct {
	RedisAddr   string `env:"FLASHSALE_REDIS_ADDR"`
	SQLitePath  string `env:"FLASHSALE_SQLITE_PATH" envDefault:"flashsale.db"`
	PostgresDSN string `env:"FLASHSALE_POSTGRES_DSN"`

	LogLevel     string `env:"FLASHSALE_LOG_LEVEL" envDefault:"info"`
	LogBackend   string `env:"FLASHSALE_LOG_BACKEND" envDefault:"zap"`
	OTelEndpoint string `env:"FLASHSALE_OTEL_ENDPOINT"`

	Codec     string        `env:"FLASHSALE_CODEC" envDefault:"json"`
	NearCache string        `env:"FLASHSALE_NEAR_CACHE"`
	CacheTTL  time.Duration `env:"FLASHSALE_CACHE_TTL" envDefault:"30m"`
	Strategy  string        `env:"FLASHSALE_CACHE_STRATEGY" envDefault:"logical"`

	Admission string  `env:"FLASHSALE_ADMISSION" envDefault:"script"`
	Persist   string  `env:"FLASHSALE_PERSIST" envDefault:"queue"`
	RateLimit float64 `env:"FLASHSALE_RATE_LIMIT"`

	Users    int `env:"FLASHSALE_SIM_USERS" envDefault:"2000"`
	Attempts int `env:"FLASHSALE_SIM_ATTEMPTS" envDefault:"2"`
	Stock    int `env:"FLASHSALE_SIM_STOCK" envDefault:"100"`
	Shops    int `env:"FLASHSALE_SIM_SHOPS" envDefault:"50"`
	Readers  int `env:"FLASHSALE_SIM_READERS" envDefault:"64"`
	Reads    int `env:"FLASHSALE_SIM_READS" envDefault:"200"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Parse reads the environment into a Config, then applies flags from args.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("flag parser is required")
	}
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address; empty runs an in-process store")
	fs.StringVar(&cfg.SQLitePath, "sqlite", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres", cfg.PostgresDSN, "PostgreSQL DSN; takes precedence over -sqlite")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogBackend, "log-backend", cfg.LogBackend, "zap, logrus or slog")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP traces endpoint URL")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "cache codec: json, cbor, msgpack or protobuf")
	fs.StringVar(&cfg.NearCache, "near-cache", cfg.NearCache, "process-local cache: ristretto, bigcache or empty")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "cache entry ttl")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "shop read strategy: passthrough, logical or mutex")
	fs.StringVar(&cfg.Admission, "admission", cfg.Admission, "script or locked")
	fs.StringVar(&cfg.Persist, "persist", cfg.Persist, "sync or queue")
	fs.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "admissions per second; 0 disables the limiter")
	fs.IntVar(&cfg.Users, "users", cfg.Users, "simulated buyers")
	fs.IntVar(&cfg.Attempts, "attempts", cfg.Attempts, "attempts per buyer")
	fs.IntVar(&cfg.Stock, "stock", cfg.Stock, "offer stock")
	fs.IntVar(&cfg.Shops, "shops", cfg.Shops, "seeded shops")
	fs.IntVar(&cfg.Readers, "readers", cfg.Readers, "concurrent shop readers")
	fs.IntVar(&cfg.Reads, "reads", cfg.Reads, "reads per reader")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the command cannot run with.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(name, v string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(v, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", name, v, strings.Join(allowed, ", ")))
	}
	oneOf("log level", c.LogLevel, "debug", "info", "warn", "error")
	oneOf("log backend", c.LogBackend, "zap", "logrus", "slog")
	oneOf("codec", c.Codec, "json", "cbor", "msgpack", "protobuf")
	oneOf("near cache", c.NearCache, "", "ristretto", "bigcache")
	oneOf("strategy", c.Strategy, "passthrough", "logical", "mutex")
	oneOf("admission", c.Admission, "script", "locked")
	oneOf("persist", c.Persist, "sync", "queue")
	if c.Users < 0 || c.Attempts < 1 || c.Stock < 0 || c.Shops < 1 || c.Readers < 0 || c.Reads < 0 {
		errs = append(errs, errors.New("simulation sizes must be non-negative, attempts and shops at least 1"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate must be >= 0"))
	}
	if c.PostgresDSN == "" && strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("one of sqlite path or postgres dsn is required"))
	}
	return errors.Join(errs...)
}
