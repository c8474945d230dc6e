package quizcache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	c "github.com/unkn0wn-root/quizcache/codec"
	gen "github.com/unkn0wn-root/quizcache/genstore"
	pr "github.com/unkn0wn-root/quizcache/provider"
)

// ErrNotFound is returned by a Fetcher when the remote authoritatively has no
// value for a key. The cache answers absent without serving a stale value.
var ErrNotFound = errors.New("quizcache: not found")

// Key addresses one cache entry. Group scopes InvalidateGroup (a game type);
// ID names the entry inside it (a date, "dates", "all").
type Key struct {
	Group string
	ID    string
}

func (k Key) String() string { return k.Group + "/" + k.ID }

// Fetcher loads a value from the remote source on a miss in every tier.
type Fetcher[V any] interface {
	Fetch(ctx context.Context, key Key) (V, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc[V any] func(ctx context.Context, key Key) (V, error)

func (f FetchFunc[V]) Fetch(ctx context.Context, key Key) (V, error) { return f(ctx, key) }

// Source reports which tier answered a Lookup.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourcePersisted
	SourceRemote
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourcePersisted:
		return "persisted"
	case SourceRemote:
		return "remote"
	case SourceStale:
		return "stale"
	default:
		return "none"
	}
}

// Cache is a read-through cache over a memory tier, an optional persisted
// tier and a remote Fetcher. Reads never return errors: failures degrade to
// a stale value or to absent, and are reported through Logger and Hooks.
type Cache[V any] interface {
	// Get returns the value for key and whether one was found.
	Get(ctx context.Context, key Key) (V, bool)
	// Lookup is Get that also reports the answering tier.
	Lookup(ctx context.Context, key Key) (V, Source)
	// Set writes v into both tiers under the current generations.
	Set(ctx context.Context, key Key, v V) error

	Invalidate(ctx context.Context, key Key) error
	InvalidateGroup(ctx context.Context, group string) error
	InvalidateAll(ctx context.Context) error

	Stats() Stats
	Close(ctx context.Context) error
}

// Options configure a Cache.
// Namespace, Memory, Codec and Fetcher are required.
type Options[V any] struct {
	// Required
	Namespace string      // isolates keys and generations, e.g. "quiz:questions"
	Memory    pr.Provider // fast, process-local tier
	Codec     c.Codec[V]
	Fetcher   Fetcher[V]

	Persisted     pr.Provider   // nil disables the persisted tier
	SchemaVersion string        // 0 => "v1"; bump to orphan entries written by older builds
	MemoryTTL     time.Duration // 0 => 5m
	PersistTTL    time.Duration // 0 => 15m
	StaleFor      time.Duration // 0 => 1h; extra memory retention for stale-on-error
	FetchTimeout  time.Duration // 0 => no extra deadline on Fetch

	GenStore       gen.GenStore // nil => genstore.Local
	Logger         Logger       // nil => NopLogger
	Hooks          Hooks        // nil => NopHooks
	Tracer         trace.Tracer // nil => otel global tracer
	Now            func() time.Time
	CloseProviders bool // Close also closes Memory and Persisted

	// DisableCoalescing lets every concurrent miss of a key fetch on its own.
	DisableCoalescing bool
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
