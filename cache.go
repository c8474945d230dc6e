package quizcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/quizcache/codec"
	gen "github.com/unkn0wn-root/quizcache/genstore"
	"github.com/unkn0wn-root/quizcache/internal/util"
	"github.com/unkn0wn-root/quizcache/internal/wire"
	pr "github.com/unkn0wn-root/quizcache/provider"
)

const tracerName = "github.com/unkn0wn-root/quizcache"

type cache[V any] struct {
	ns        string
	memory    pr.Provider
	persisted pr.Provider
	codec     codec.Codec[V]
	fetcher   Fetcher[V]
	gen       gen.GenStore
	log       Logger
	hooks     Hooks
	tracer    trace.Tracer
	now       func() time.Time

	schema         string
	memoryTTL      time.Duration
	persistTTL     time.Duration
	staleFor       time.Duration
	fetchTimeout   time.Duration
	coalesce       bool
	closeProviders bool

	sf    singleflight.Group
	stats counters
}

// tierState is the outcome of reading one tier.
type tierState int

const (
	stateMiss tierState = iota
	stateFresh
	stateExpired // valid but past TTL: a stale candidate
)

type fetchResult[V any] struct {
	v   V
	err error
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("quizcache: namespace is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("quizcache: memory provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("quizcache: codec is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("quizcache: fetcher is required")
	}

	c := &cache[V]{
		ns:             opts.Namespace,
		memory:         opts.Memory,
		persisted:      opts.Persisted,
		codec:          opts.Codec,
		fetcher:        opts.Fetcher,
		coalesce:       !opts.DisableCoalescing,
		closeProviders: opts.CloseProviders,
		fetchTimeout:   opts.FetchTimeout,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.memoryTTL = coalesce[time.Duration](opts.MemoryTTL, defaultMemoryTTL)
	c.persistTTL = coalesce[time.Duration](opts.PersistTTL, defaultPersistTTL)
	c.staleFor = coalesce[time.Duration](opts.StaleFor, defaultStaleFor)
	c.schema = coalesce[string](opts.SchemaVersion, defaultSchemaVersion) + "/" + opts.Codec.Name()

	if opts.Now != nil {
		c.now = opts.Now
	} else {
		c.now = time.Now
	}
	if opts.Tracer != nil {
		c.tracer = opts.Tracer
	} else {
		c.tracer = otel.Tracer(tracerName)
	}
	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		c.gen = gen.NewLocal(defaultGenSweep, defaultGenRetention)
	}

	return c, nil
}

func (c *cache[V]) Close(ctx context.Context) error {
	_ = c.gen.Close(ctx)
	if !c.closeProviders {
		return nil
	}
	var errs []error
	if err := c.memory.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.persisted != nil {
		if err := c.persisted.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cache[V]) Get(ctx context.Context, key Key) (V, bool) {
	v, src := c.Lookup(ctx, key)
	return v, src != SourceNone
}

func (c *cache[V]) Lookup(ctx context.Context, key Key) (V, Source) {
	var zero V
	sk := c.entryKey(key)
	ks := key.String()

	gens, gensOK := c.snapshot(ctx, key)

	var (
		stale     V
		staleTier Tier
		hasStale  bool
	)

	if gensOK {
		v, st := c.readTier(ctx, TierMemory, c.memory, sk, gens, c.memoryTTL)
		switch st {
		case stateFresh:
			c.stats.memoryHits.Add(1)
			c.hooks.TierHit(TierMemory, ks)
			return v, SourceMemory
		case stateExpired:
			stale, staleTier, hasStale = v, TierMemory, true
		}

		if c.persisted != nil {
			v, st := c.readTier(ctx, TierPersisted, c.persisted, sk, gens, c.persistTTL)
			switch st {
			case stateFresh:
				c.stats.persistedHits.Add(1)
				c.hooks.TierHit(TierPersisted, ks)
				c.backfillMemory(ctx, sk, v, gens)
				return v, SourcePersisted
			case stateExpired:
				if !hasStale {
					stale, staleTier, hasStale = v, TierPersisted, true
				}
			}
		}
	}

	v, err := c.fetch(ctx, key, sk, gens, gensOK)
	switch {
	case err == nil:
		c.stats.remoteFetches.Add(1)
		c.hooks.TierHit(TierRemote, ks)
		return v, SourceRemote
	case errors.Is(err, ErrNotFound):
		c.stats.misses.Add(1)
		c.log.Debug("remote has no value", Fields{"key": ks})
		return zero, SourceNone
	}

	c.stats.fetchErrors.Add(1)
	c.hooks.FetchError(ks, err)
	if hasStale {
		c.stats.staleServed.Add(1)
		c.hooks.StaleServed(ks, staleTier)
		c.log.Warn("fetch failed, serving stale value", Fields{"key": ks, "tier": string(staleTier), "err": err})
		return stale, SourceStale
	}
	c.stats.misses.Add(1)
	c.log.Warn("fetch failed, no stale value", Fields{"key": ks, "err": err})
	return zero, SourceNone
}

func (c *cache[V]) Set(ctx context.Context, key Key, v V) error {
	gens, ok := c.snapshot(ctx, key)
	if !ok {
		return fmt.Errorf("quizcache: set %s: generation snapshot failed", key)
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("quizcache: encode %s: %w", key, err)
	}
	sk := c.entryKey(key)
	raw, err := c.envelope(payload, gens)
	if err != nil {
		return err
	}
	if _, err := c.memory.Set(ctx, sk, raw, int64(len(raw)), c.memoryTTL+c.staleFor); err != nil {
		c.hooks.ProviderError(TierMemory, "set", err)
		return fmt.Errorf("quizcache: memory set %s: %w", key, err)
	}
	if c.persisted != nil {
		if _, err := c.persisted.Set(ctx, sk, raw, int64(len(raw)), c.persistTTL+c.staleFor); err != nil {
			c.hooks.ProviderError(TierPersisted, "set", err)
			return fmt.Errorf("quizcache: persisted set %s: %w", key, err)
		}
	}
	return nil
}

func (c *cache[V]) Invalidate(ctx context.Context, key Key) error {
	sk := c.entryKey(key)
	newGen, bumpErr := c.gen.Bump(ctx, sk)
	if bumpErr != nil {
		c.hooks.GenError("bump", bumpErr)
	}
	delErr := c.deleteBoth(ctx, sk)
	if bumpErr != nil || delErr != nil {
		c.log.Error("invalidate failed", Fields{"key": key.String(), "bumpErr": bumpErr, "delErr": delErr})
		return &InvalidateError{Key: key.String(), BumpErr: bumpErr, DelErr: delErr}
	}
	c.log.Debug("invalidated key (bumped gen + cleared tiers)", Fields{"key": key.String(), "newGen": newGen})
	return nil
}

func (c *cache[V]) InvalidateGroup(ctx context.Context, group string) error {
	g, err := c.gen.Bump(ctx, util.GroupKey(c.ns, util.SanitizeSegment(group)))
	if err != nil {
		c.hooks.GenError("bump", err)
		return &InvalidateError{Key: group + "/*", BumpErr: err}
	}
	c.log.Debug("invalidated group", Fields{"group": group, "newGen": g})
	return nil
}

// InvalidateAll bumps the namespace epoch. Providers that support prefix
// deletion also drop the namespace's entries right away.
func (c *cache[V]) InvalidateAll(ctx context.Context) error {
	g, bumpErr := c.gen.Bump(ctx, util.EpochKey(c.ns))
	if bumpErr != nil {
		c.hooks.GenError("bump", bumpErr)
	}
	var delErrs []error
	prefix := util.NamespacePrefix(c.ns)
	for _, t := range c.tiers() {
		pd, ok := t.p.(pr.PrefixDeleter)
		if !ok {
			continue
		}
		n, err := pd.DeletePrefix(ctx, prefix)
		if err != nil {
			c.hooks.ProviderError(t.name, "delete_prefix", err)
			delErrs = append(delErrs, err)
			continue
		}
		c.log.Debug("purged namespace", Fields{"tier": string(t.name), "deleted": n})
	}
	if bumpErr != nil || len(delErrs) > 0 {
		return &InvalidateError{Key: c.ns + ":*", BumpErr: bumpErr, DelErr: errors.Join(delErrs...)}
	}
	c.log.Info("invalidated namespace", Fields{"ns": c.ns, "epoch": g})
	return nil
}

func (c *cache[V]) Stats() Stats { return c.stats.snapshot() }

// readTier reads and validates one tier. Entries that can never be served
// again are deleted; an expired persisted entry is deleted too but still
// returned as a stale candidate.
func (c *cache[V]) readTier(ctx context.Context, tier Tier, p pr.Provider, sk string, gens wire.Gens, ttl time.Duration) (V, tierState) {
	var zero V
	raw, ok, err := p.Get(ctx, sk)
	if err != nil {
		c.hooks.ProviderError(tier, "get", err)
		c.log.Warn("tier read failed", Fields{"tier": string(tier), "key": sk, "err": err})
		return zero, stateMiss
	}
	if !ok {
		return zero, stateMiss
	}

	e, err := wire.Decode(raw)
	if err != nil {
		c.selfHeal(ctx, tier, p, sk, ReasonCorrupt)
		return zero, stateMiss
	}
	if e.Schema != c.schema {
		c.selfHeal(ctx, tier, p, sk, ReasonVersion)
		return zero, stateMiss
	}
	if e.Gens != gens {
		c.selfHeal(ctx, tier, p, sk, ReasonGeneration)
		return zero, stateMiss
	}
	v, err := c.codec.Decode(e.Payload)
	if err != nil {
		c.selfHeal(ctx, tier, p, sk, ReasonDecode)
		return zero, stateMiss
	}

	age := c.now().Sub(time.UnixMilli(e.StoredAt))
	if age < ttl {
		return v, stateFresh
	}
	if tier == TierPersisted {
		c.selfHeal(ctx, tier, p, sk, ReasonExpired)
	}
	return v, stateExpired
}

func (c *cache[V]) selfHeal(ctx context.Context, tier Tier, p pr.Provider, sk, reason string) {
	c.stats.selfHeals.Add(1)
	c.hooks.SelfHeal(tier, sk, reason)
	if err := p.Del(ctx, sk); err != nil {
		c.hooks.ProviderError(tier, "del", err)
	}
}

// fetch calls the Fetcher, coalescing concurrent misses of the same key.
// Each caller waits on its own ctx; the shared fetch runs detached from any
// single caller's cancellation.
func (c *cache[V]) fetch(ctx context.Context, key Key, sk string, gens wire.Gens, gensOK bool) (V, error) {
	if !c.coalesce {
		return c.fetchAndFill(ctx, key, sk, gens, gensOK)
	}

	ch := c.sf.DoChan(sk, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		v, err := c.fetchAndFill(fctx, key, sk, gens, gensOK)
		return fetchResult[V]{v: v, err: err}, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.stats.coalesced.Add(1)
		}
		fr := res.Val.(fetchResult[V])
		return fr.v, fr.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *cache[V]) fetchAndFill(ctx context.Context, key Key, sk string, gens wire.Gens, gensOK bool) (V, error) {
	var zero V
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "quizcache.fetch", trace.WithAttributes(
		attribute.String("quizcache.namespace", c.ns),
		attribute.String("quizcache.key", key.String()),
	))
	defer span.End()

	v, err := c.fetcher.Fetch(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return zero, err
	}

	if !gensOK {
		c.hooks.BackfillSkipped(key.String(), "snapshot_error")
		return v, nil
	}
	// CAS: only back-fill if nothing was invalidated while fetching
	cur, ok := c.snapshot(ctx, key)
	if !ok {
		c.hooks.BackfillSkipped(key.String(), "snapshot_error")
		return v, nil
	}
	if cur != gens {
		span.SetAttributes(attribute.Bool("quizcache.backfill_skipped", true))
		c.hooks.BackfillSkipped(key.String(), "generation")
		c.log.Debug("back-fill skipped (gen moved during fetch)", Fields{"key": key.String()})
		return v, nil
	}

	payload, err := c.codec.Encode(v)
	if err != nil {
		c.hooks.BackfillSkipped(key.String(), "encode_error")
		c.log.Warn("back-fill encode failed", Fields{"key": key.String(), "err": err})
		return v, nil
	}
	raw, err := c.envelope(payload, gens)
	if err != nil {
		c.hooks.BackfillSkipped(key.String(), "encode_error")
		return v, nil
	}
	c.put(ctx, TierMemory, c.memory, sk, raw, c.memoryTTL+c.staleFor)
	if c.persisted != nil {
		c.put(ctx, TierPersisted, c.persisted, sk, raw, c.persistTTL+c.staleFor)
	}
	return v, nil
}

// backfillMemory re-stamps a persisted hit into the memory tier.
func (c *cache[V]) backfillMemory(ctx context.Context, sk string, v V, gens wire.Gens) {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return
	}
	raw, err := c.envelope(payload, gens)
	if err != nil {
		return
	}
	c.put(ctx, TierMemory, c.memory, sk, raw, c.memoryTTL+c.staleFor)
}

func (c *cache[V]) put(ctx context.Context, tier Tier, p pr.Provider, sk string, raw []byte, ttl time.Duration) {
	ok, err := p.Set(ctx, sk, raw, int64(len(raw)), ttl)
	if err != nil {
		c.hooks.ProviderError(tier, "set", err)
		c.log.Warn("tier write failed", Fields{"tier": string(tier), "key": sk, "err": err})
		return
	}
	if !ok {
		c.log.Debug("tier write rejected by provider (pressure)", Fields{"tier": string(tier), "key": sk})
	}
}

func (c *cache[V]) envelope(payload []byte, gens wire.Gens) ([]byte, error) {
	return wire.Encode(wire.Entry{
		StoredAt: c.now().UnixMilli(),
		Schema:   c.schema,
		Gens:     gens,
		Payload:  payload,
	})
}

func (c *cache[V]) deleteBoth(ctx context.Context, sk string) error {
	var errs []error
	for _, t := range c.tiers() {
		if err := t.p.Del(ctx, sk); err != nil {
			c.hooks.ProviderError(t.name, "del", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type namedTier struct {
	name Tier
	p    pr.Provider
}

func (c *cache[V]) tiers() []namedTier {
	ts := []namedTier{{TierMemory, c.memory}}
	if c.persisted != nil {
		ts = append(ts, namedTier{TierPersisted, c.persisted})
	}
	return ts
}

// snapshot reads epoch, group and key generations in one call.
// ok=false means they are unknown and no tier may be trusted or written.
func (c *cache[V]) snapshot(ctx context.Context, key Key) (wire.Gens, bool) {
	ek := util.EpochKey(c.ns)
	gk := util.GroupKey(c.ns, util.SanitizeSegment(key.Group))
	kk := c.entryKey(key)
	m, err := c.gen.SnapshotMany(ctx, []string{ek, gk, kk})
	if err != nil {
		c.hooks.GenError("snapshot", err)
		c.log.Warn("gen snapshot error", Fields{"key": key.String(), "err": err})
		return wire.Gens{}, false
	}
	return wire.Gens{Epoch: m[ek], Group: m[gk], Key: m[kk]}, true
}

func (c *cache[V]) entryKey(key Key) string {
	return util.EntryKey(c.ns, util.SanitizeSegment(key.Group), util.SanitizeSegment(key.ID))
}
