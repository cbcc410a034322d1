package config

import (
	"flag"
	"io"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("flashsale", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SQLitePath != "flashsale.db" || cfg.Admission != "script" || cfg.Persist != "queue" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CacheTTL != 30*time.Minute {
		t.Fatalf("cache ttl = %v", cfg.CacheTTL)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("FLASHSALE_SIM_STOCK", "7")
	t.Setenv("FLASHSALE_ADMISSION", "locked")

	cfg, err := Parse(newFlagSet(), []string{"-stock", "9"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Stock != 9 {
		t.Fatalf("stock = %d, want flag value 9", cfg.Stock)
	}
	if cfg.Admission != "locked" {
		t.Fatalf("admission = %q, want env value", cfg.Admission)
	}
}

func TestParseRejectsBadEnv(t *testing.T) {
	t.Setenv("FLASHSALE_SIM_USERS", "many")
	if _, err := Parse(newFlagSet(), nil); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestValidate(t *testing.T) {
	base, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"admission", func(c *Config) { c.Admission = "magic" }},
		{"codec", func(c *Config) { c.Codec = "xml" }},
		{"attempts", func(c *Config) { c.Attempts = 0 }},
		{"rate", func(c *Config) { c.RateLimit = -1 }},
		{"no_store", func(c *Config) { c.SQLitePath = " " }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	pb := base
	pb.Codec = "protobuf"
	if err := pb.Validate(); err != nil {
		t.Fatalf("protobuf codec rejected: %v", err)
	}
}
