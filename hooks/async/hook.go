// Package asynchook moves hook work off the read path.
//
//	raw := zaphooks.New(logger, zaphooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	questions, _ := quizcache.New[[]quiz.Question](quizcache.Options[[]quiz.Question]{
//	    Namespace: "quiz:questions",
//	    Hooks:     hooks,
//	    ...
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/quizcache"
)

// Hooks queues every event for a small worker pool. When the queue is full
// the event is dropped and counted; the cache never blocks on it.
type Hooks struct {
	inner   quizcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ quizcache.Hooks = (*Hooks)(nil)

func New(inner quizcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) TierHit(t quizcache.Tier, k string) { h.try(func() { h.inner.TierHit(t, k) }) }
func (h *Hooks) FetchError(k string, err error)    { h.try(func() { h.inner.FetchError(k, err) }) }
func (h *Hooks) GenError(op string, err error)     { h.try(func() { h.inner.GenError(op, err) }) }
func (h *Hooks) SelfHeal(t quizcache.Tier, k, r string) {
	h.try(func() { h.inner.SelfHeal(t, k, r) })
}
func (h *Hooks) StaleServed(k string, t quizcache.Tier) {
	h.try(func() { h.inner.StaleServed(k, t) })
}
func (h *Hooks) BackfillSkipped(k, r string) {
	h.try(func() { h.inner.BackfillSkipped(k, r) })
}
func (h *Hooks) ProviderError(t quizcache.Tier, op string, err error) {
	h.try(func() { h.inner.ProviderError(t, op, err) })
}
