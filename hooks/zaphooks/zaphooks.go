package zaphooks

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache"
	"github.com/unkn0wn-root/quizcache/internal/util"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	TierHitEvery  uint64 // 0 disables hit logging entirely
	SelfHealEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

// Hooks writes cache events to zap.
type Hooks struct {
	l    *zap.Logger
	opts Options

	hitCtr      atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ quizcache.Hooks = (*Hooks)(nil)

func New(l *zap.Logger, opts Options) *Hooks {
	if l == nil {
		l = zap.NewNop()
	}
	return &Hooks{l: l.Named("quizcache.hooks"), opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.ShortHash(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) TierHit(tier quizcache.Tier, key string) {
	if h.opts.TierHitEvery == 0 || !sample(h.opts.TierHitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("tier_hit", zap.String("tier", string(tier)), zap.String("key", key))
}

func (h *Hooks) SelfHeal(tier quizcache.Tier, storageKey, reason string) {
	if !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("self_heal",
		zap.String("tier", string(tier)),
		zap.String("key", h.redact(storageKey)),
		zap.String("reason", reason))
}

func (h *Hooks) FetchError(key string, err error) {
	h.l.Warn("fetch_error", zap.String("key", key), zap.Error(err))
}

func (h *Hooks) StaleServed(key string, from quizcache.Tier) {
	h.l.Info("stale_served", zap.String("key", key), zap.String("tier", string(from)))
}

func (h *Hooks) BackfillSkipped(key, reason string) {
	h.l.Debug("backfill_skipped", zap.String("key", key), zap.String("reason", reason))
}

func (h *Hooks) ProviderError(tier quizcache.Tier, op string, err error) {
	h.l.Warn("provider_error", zap.String("tier", string(tier)), zap.String("op", op), zap.Error(err))
}

func (h *Hooks) GenError(op string, err error) {
	h.l.Error("gen_error", zap.String("op", op), zap.Error(err))
}
