// Package poller runs a function on a fixed interval and reports when the
// value it observes changes.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Config[V comparable] struct {
	Name     string
	Interval time.Duration // required

	// Poll observes the current version, e.g. the newest quiz's updatedAt or
	// the table's item count.
	Poll func(ctx context.Context) (V, error)

	// OnChange runs after a poll that observed a different version than the
	// previous successful poll. It runs on the polling goroutine, so polls
	// never overlap with it.
	OnChange func(ctx context.Context, prev, cur V)

	// NotifyInitial also calls OnChange for the first observation, with the
	// zero value as prev.
	NotifyInitial bool

	Logger *zap.Logger
}

type Poller[V comparable] struct {
	cfg Config[V]
	log *zap.Logger

	mu      sync.Mutex
	last    V
	seen    bool
	polls   uint64
	changes uint64
	errs    uint64
}

func New[V comparable](cfg Config[V]) (*Poller[V], error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: Interval must be positive")
	}
	if cfg.Poll == nil {
		return nil, errors.New("poller: Poll is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name != "" {
		log = log.With(zap.String("poller", cfg.Name))
	}
	return &Poller[V]{cfg: cfg, log: log}, nil
}

// Run polls immediately and then on every tick until ctx is done. A tick
// that fires while a poll or OnChange is still running is dropped.
func (p *Poller[V]) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	p.log.Info("poller started", zap.Duration("interval", p.cfg.Interval))
	for {
		_, _ = p.PollOnce(ctx)

		// drop a tick that queued up during a slow poll
		select {
		case <-t.C:
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PollOnce polls once and reports whether the version changed.
func (p *Poller[V]) PollOnce(ctx context.Context) (bool, error) {
	cur, err := p.cfg.Poll(ctx)

	p.mu.Lock()
	p.polls++
	if err != nil {
		p.errs++
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.log.Warn("poll failed", zap.Error(err))
		}
		return false, err
	}
	prev, seen := p.last, p.seen
	p.last, p.seen = cur, true
	changed := seen && prev != cur
	notify := changed || (!seen && p.cfg.NotifyInitial)
	if changed {
		p.changes++
	}
	p.mu.Unlock()

	if changed {
		p.log.Info("change detected", zap.Any("from", prev), zap.Any("to", cur))
	}
	if notify && p.cfg.OnChange != nil {
		p.cfg.OnChange(ctx, prev, cur)
	}
	return changed, nil
}

// Last returns the last observed version.
func (p *Poller[V]) Last() (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.seen
}

type Stats struct {
	Polls   uint64
	Changes uint64
	Errors  uint64
}

func (p *Poller[V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Polls: p.polls, Changes: p.changes, Errors: p.errs}
}
