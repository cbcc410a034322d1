// Package sloghooks logs cache hook events through log/slog, with sampling
// for the noisy ones and key redaction.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/flashsale/cache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	NullCachedEvery uint64
	ContendedEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	nullCtr      atomic.Uint64
	contendedCtr atomic.Uint64
}

var _ cache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("cache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) NullCached(storageKey string) {
	if h.l == nil || !sample(h.opts.NullCachedEvery, &h.nullCtr) {
		return
	}
	h.l.Debug("cache.null_cached", "key", h.redact(storageKey))
}

func (h *Hooks) RebuildScheduled(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("cache.rebuild_scheduled", "key", h.redact(storageKey))
}

func (h *Hooks) RebuildDropped(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cache.rebuild_dropped", "key", h.redact(storageKey))
}

func (h *Hooks) RebuildFailed(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cache.rebuild_failed",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) LockContended(storageKey string) {
	if h.l == nil || !sample(h.opts.ContendedEvery, &h.contendedCtr) {
		return
	}
	h.l.Debug("cache.lock_contended", "key", h.redact(storageKey))
}

func (h *Hooks) GenError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cache.gen_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("cache.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}
