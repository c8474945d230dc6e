// Package promhooks exports cache events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/quizcache"
)

// Hooks holds one counter vector per event. The namespace label separates
// the questions, dates and dataset caches when they share a registry.
type Hooks struct {
	ns string

	tierHits        *prometheus.CounterVec
	selfHeals       *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	staleServed     *prometheus.CounterVec
	backfillSkipped *prometheus.CounterVec
	providerErrors  *prometheus.CounterVec
	genErrors       *prometheus.CounterVec
}

var _ quizcache.Hooks = (*Hooks)(nil)

// Metrics are the shared collectors. Register them once per registry and
// derive a Hooks per cache namespace with For.
type Metrics struct {
	TierHits        *prometheus.CounterVec
	SelfHeals       *prometheus.CounterVec
	FetchErrors     *prometheus.CounterVec
	StaleServed     *prometheus.CounterVec
	BackfillSkipped *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	GenErrors       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quizcache",
			Name:      name,
			Help:      help,
		}, append([]string{"cache"}, labels...))
	}
	m := &Metrics{
		TierHits:        counter("tier_hits_total", "Reads answered by a tier.", "tier"),
		SelfHeals:       counter("self_heal_total", "Entries deleted on read.", "tier", "reason"),
		FetchErrors:     counter("fetch_errors_total", "Remote fetch failures."),
		StaleServed:     counter("stale_served_total", "Stale values served after a fetch failure.", "tier"),
		BackfillSkipped: counter("backfill_skipped_total", "Back-fills skipped after a fetch.", "reason"),
		ProviderErrors:  counter("provider_errors_total", "Provider call failures.", "tier", "op"),
		GenErrors:       counter("gen_errors_total", "Generation store failures.", "op"),
	}
	for _, c := range []prometheus.Collector{
		m.TierHits, m.SelfHeals, m.FetchErrors, m.StaleServed,
		m.BackfillSkipped, m.ProviderErrors, m.GenErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// For returns hooks labelled with cache name ns.
func (m *Metrics) For(ns string) *Hooks {
	return &Hooks{
		ns:              ns,
		tierHits:        m.TierHits,
		selfHeals:       m.SelfHeals,
		fetchErrors:     m.FetchErrors,
		staleServed:     m.StaleServed,
		backfillSkipped: m.BackfillSkipped,
		providerErrors:  m.ProviderErrors,
		genErrors:       m.GenErrors,
	}
}

func (h *Hooks) TierHit(tier quizcache.Tier, _ string) {
	h.tierHits.WithLabelValues(h.ns, string(tier)).Inc()
}

func (h *Hooks) SelfHeal(tier quizcache.Tier, _, reason string) {
	h.selfHeals.WithLabelValues(h.ns, string(tier), reason).Inc()
}

func (h *Hooks) FetchError(string, error) {
	h.fetchErrors.WithLabelValues(h.ns).Inc()
}

func (h *Hooks) StaleServed(_ string, from quizcache.Tier) {
	h.staleServed.WithLabelValues(h.ns, string(from)).Inc()
}

func (h *Hooks) BackfillSkipped(_, reason string) {
	h.backfillSkipped.WithLabelValues(h.ns, reason).Inc()
}

func (h *Hooks) ProviderError(tier quizcache.Tier, op string, _ error) {
	h.providerErrors.WithLabelValues(h.ns, string(tier), op).Inc()
}

func (h *Hooks) GenError(op string, _ error) {
	h.genErrors.WithLabelValues(h.ns, op).Inc()
}

// Multi fans events out to several hooks, e.g. Prometheus and zap.
type Multi []quizcache.Hooks

var _ quizcache.Hooks = Multi(nil)

func (m Multi) TierHit(t quizcache.Tier, k string) {
	for _, h := range m {
		h.TierHit(t, k)
	}
}

func (m Multi) SelfHeal(t quizcache.Tier, k, r string) {
	for _, h := range m {
		h.SelfHeal(t, k, r)
	}
}

func (m Multi) FetchError(k string, err error) {
	for _, h := range m {
		h.FetchError(k, err)
	}
}

func (m Multi) StaleServed(k string, t quizcache.Tier) {
	for _, h := range m {
		h.StaleServed(k, t)
	}
}

func (m Multi) BackfillSkipped(k, r string) {
	for _, h := range m {
		h.BackfillSkipped(k, r)
	}
}

func (m Multi) ProviderError(t quizcache.Tier, op string, err error) {
	for _, h := range m {
		h.ProviderError(t, op, err)
	}
}

func (m Multi) GenError(op string, err error) {
	for _, h := range m {
		h.GenError(op, err)
	}
}
