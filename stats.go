package quizcache

import "sync/atomic"

// Stats are cumulative counters since the cache was created.
type Stats struct {
	MemoryHits    uint64
	PersistedHits uint64
	RemoteFetches uint64
	StaleServed   uint64
	Misses        uint64
	FetchErrors   uint64
	SelfHeals     uint64
	Coalesced     uint64 // callers that shared another caller's fetch
}

// HitRatio is the share of lookups answered without a fetch.
func (s Stats) HitRatio() float64 {
	hits := s.MemoryHits + s.PersistedHits
	total := hits + s.RemoteFetches + s.StaleServed + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type counters struct {
	memoryHits    atomic.Uint64
	persistedHits atomic.Uint64
	remoteFetches atomic.Uint64
	staleServed   atomic.Uint64
	misses        atomic.Uint64
	fetchErrors   atomic.Uint64
	selfHeals     atomic.Uint64
	coalesced     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MemoryHits:    c.memoryHits.Load(),
		PersistedHits: c.persistedHits.Load(),
		RemoteFetches: c.remoteFetches.Load(),
		StaleServed:   c.staleServed.Load(),
		Misses:        c.misses.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		SelfHeals:     c.selfHeals.Load(),
		Coalesced:     c.coalesced.Load(),
	}
}
