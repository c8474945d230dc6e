package quizcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	c "github.com/unkn0wn-root/quizcache/codec"
	gen "github.com/unkn0wn-root/quizcache/genstore"
	"github.com/unkn0wn-root/quizcache/internal/wire"
	pr "github.com/unkn0wn-root/quizcache/provider"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (k *fakeClock) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.t
}

func (k *fakeClock) Advance(d time.Duration) {
	k.mu.Lock()
	k.t = k.t.Add(d)
	k.mu.Unlock()
}

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu    sync.Mutex
	m     map[string]memEntry
	clock *fakeClock
}

var (
	_ pr.Provider      = (*memProvider)(nil)
	_ pr.PrefixDeleter = (*memProvider)(nil)
)

func newMemProvider(clock *fakeClock) *memProvider {
	return &memProvider{m: make(map[string]memEntry), clock: clock}
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.clock.Now().Before(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = p.clock.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) DeletePrefix(_ context.Context, prefix string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k := range p.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(p.m, k)
			n++
		}
	}
	return n, nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	_, ok, _ := p.Get(context.Background(), key)
	return ok
}

func (p *memProvider) put(key string, raw []byte) {
	_, _ = p.Set(context.Background(), key, raw, 1, time.Hour)
}

type quiz struct {
	Date  string `json:"date"`
	Title string `json:"title"`
}

// countingFetcher returns quiz{Date: key.ID, Title: title} or err.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	title string
	err   error
}

func (f *countingFetcher) Fetch(_ context.Context, key Key) (quiz, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return quiz{}, f.err
	}
	return quiz{Date: key.ID, Title: f.title}, nil
}

func (f *countingFetcher) set(title string, err error) {
	f.mu.Lock()
	f.title, f.err = title, err
	f.mu.Unlock()
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	clock     *fakeClock
	memory    *memProvider
	persisted *memProvider
	fetcher   *countingFetcher
	genStore  gen.GenStore
}

func newEnv() *testEnv {
	clock := newClock()
	return &testEnv{
		clock:     clock,
		memory:    newMemProvider(clock),
		persisted: newMemProvider(clock),
		fetcher:   &countingFetcher{title: "v1"},
		genStore:  gen.NewLocal(0, 0),
	}
}

func newTestCache(t *testing.T, env *testEnv, optsOpt func(*Options[quiz])) Cache[quiz] {
	t.Helper()
	opts := Options[quiz]{
		Namespace:  "quiz",
		Memory:     env.memory,
		Persisted:  env.persisted,
		Codec:      c.JSON[quiz]{},
		Fetcher:    env.fetcher,
		GenStore:   env.genStore,
		MemoryTTL:  5 * time.Minute,
		PersistTTL: 15 * time.Minute,
		StaleFor:   time.Hour,
		Now:        env.clock.Now,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	cc, err := New[quiz](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	return cc
}

func mustImpl[V any](t *testing.T, cc Cache[V]) *cache[V] {
	t.Helper()
	impl, ok := cc.(*cache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

var testKey = Key{Group: "BlackSwan", ID: "2025-03-01"}

func lookup(t *testing.T, cc Cache[quiz], want Source) quiz {
	t.Helper()
	v, src := cc.Lookup(context.Background(), testKey)
	if src != want {
		t.Fatalf("Lookup source = %s, want %s", src, want)
	}
	return v
}

// ==============================
// Construction
// ==============================

func TestNewValidatesRequiredOptions(t *testing.T) {
	env := newEnv()
	base := Options[quiz]{Namespace: "quiz", Memory: env.memory, Codec: c.JSON[quiz]{}, Fetcher: env.fetcher}

	cases := map[string]func(o *Options[quiz]){
		"namespace": func(o *Options[quiz]) { o.Namespace = "" },
		"memory":    func(o *Options[quiz]) { o.Memory = nil },
		"codec":     func(o *Options[quiz]) { o.Codec = nil },
		"fetcher":   func(o *Options[quiz]) { o.Fetcher = nil },
	}
	for name, mutate := range cases {
		o := base
		mutate(&o)
		if _, err := New[quiz](o); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	cc, err := New[quiz](base)
	if err != nil {
		t.Fatalf("New with required options: %v", err)
	}
	impl := mustImpl(t, cc)
	if impl.memoryTTL != defaultMemoryTTL || impl.persistTTL != defaultPersistTTL || impl.schema != "v1/json" {
		t.Fatalf("defaults not applied: mem=%v persist=%v schema=%q", impl.memoryTTL, impl.persistTTL, impl.schema)
	}
	_ = cc.Close(context.Background())
}

// ==============================
// TTL boundaries
// ==============================

func TestMemoryTTLBoundary(t *testing.T) {
	env := newEnv()
	cc := newTestCache(t, env, func(o *Options[quiz]) { o.Persisted = nil })

	lookup(t, cc, SourceRemote)

	env.clock.Advance(5*time.Minute - time.Millisecond)
	if v := lookup(t, cc, SourceMemory); v.Title != "v1" {
		t.Fatalf("cached value = %+v", v)
	}
	if n := env.fetcher.count(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	env.fetcher.set("v2", nil)
	env.clock.Advance(2 * time.Millisecond)
	if v := lookup(t, cc, SourceRemote); v.Title != "v2" {
		t.Fatalf("expected fresh fetch after TTL, got %+v", v)
	}
	if n := env.fetcher.count(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

func TestPersistedTTLBoundary(t *testing.T) {
	env := newEnv()
	writer := newTestCache(t, env, nil)
	lookup(t, writer, SourceRemote)

	// a second process: empty memory, same persisted tier
	reader := newTestCache(t, env, func(o *Options[quiz]) { o.Memory = newMemProvider(env.clock) })

	env.clock.Advance(15*time.Minute - time.Millisecond)
	lookup(t, reader, SourcePersisted)

	reader2 := newTestCache(t, env, func(o *Options[quiz]) { o.Memory = newMemProvider(env.clock) })
	env.fetcher.set("v2", nil)
	env.clock.Advance(2 * time.Millisecond)
	if v := lookup(t, reader2, SourceRemote); v.Title != "v2" {
		t.Fatalf("expected fresh fetch after persisted TTL, got %+v", v)
	}
}

func TestPersistedHitBackfillsMemory(t *testing.T) {
	env := newEnv()
	cc := newTestCache(t, env, nil)
	lookup(t, cc, SourceRemote)

	env.clock.Advance(6 * time.Minute) // memory expired, persisted fresh
	lookup(t, cc, SourcePersisted)

	env.clock.Advance(4 * time.Minute) // re-stamped memory copy is 4m old
	lookup(t, cc, SourceMemory)
	if n := env.fetcher.count(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
	if s := cc.Stats(); s.MemoryHits != 1 || s.PersistedHits != 1 || s.RemoteFetches != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

// ==============================
// Fetch failures
// ==============================

func TestStaleServedFromMemoryOnFetchError(t *testing.T) {
	env := newEnv()
	cc := newTestCache(t, env, func(o *Options[quiz]) { o.Persisted = nil })
	lookup(t, cc, SourceRemote)

	env.clock.Advance(30 * time.Minute)
	env.fetcher.set("", errors.New("api down"))
	if v := lookup(t, cc, SourceStale); v.Title != "v1" {
		t.Fatalf("stale value = %+v", v)
	}
	if s := cc.Stats(); s.StaleServed != 1 || s.FetchErrors != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestStaleFromPersistedThenAbsent(t *testing.T) {
	env := newEnv()
	writer := newTestCache(t, env, nil)
	lookup(t, writer, SourceRemote)

	env.clock.Advance(20 * time.Minute)
	env.fetcher.set("", errors.New("api down"))

	reader := newTestCache(t, env, func(o *Options[quiz]) { o.Memory = newMemProvider(env.clock) })
	if v := lookup(t, reader, SourceStale); v.Title != "v1" {
		t.Fatalf("stale value = %+v", v)
	}
	// the expired persisted entry was evicted on that read
	reader2 := newTestCache(t, env, func(o *Options[quiz]) { o.Memory = newMemProvider(env.clock) })
	lookup(t, reader2, SourceNone)
}

func TestFetchErrorWithoutStaleIsAbsent(t *testing.T) {
	env := newEnv()
	env.fetcher.set("", errors.New("timeout"))
	cc := newTestCache(t, env, nil)

	if _, ok := cc.Get(context.Background(), testKey); ok {
		t.Fatalf("expected absent")
	}
	if s := cc.Stats(); s.Misses != 1 || s.FetchErrors != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNotFoundSkipsStale(t *testing.T) {
	env := newEnv()
	cc := newTestCache(t, env, nil)
	lookup(t, cc, SourceRemote)

	env.clock.Advance(time.Hour)
	env.fetcher.set("", ErrNotFound)
	lookup(t, cc, SourceNone)
	if s := cc.Stats(); s.FetchErrors != 0 {
		t.Fatalf("not-found must not count as a fetch error: %+v", s)
	}
}

// ==============================
// Self-heal
// ==============================

func TestSelfHealOnCorruptAndVersionMismatch(t *testing.T) {
	env := newEnv()
	cc := newTestCache(t, env, nil)
	impl := mustImpl(t, cc)
	sk := impl.entryKey(testKey)

	env.memory.put(sk, []byte("not-wire-format"))
	lookup(t, cc, SourceRemote)
	if s := cc.Stats(); s.SelfHeals != 1 {
		t.Fatalf("expected one self-heal, stats=%+v", s)
	}

	// an older build wrote v0 entries to the shared persisted tier
	old, err := wire.Encode(wire.Entry{StoredAt: env.clock.Now().UnixMilli(), Schema: "v0/json", Payload: []byte(`{"title":"old"}`)})
	if err != nil {
		t.Fatal(err)
	}
	_ = env.memory.Del(context.Background(), sk)
	env.persisted.put(sk, old)
	env.fetcher.set("new", nil)

	if v := lookup(t, cc, SourceRemote); v.Title != "new" {
		t.Fatalf("version mismatch must be ignored, got %+v", v)
	}
}

func TestSchemaVersionBumpOrphansEntries(t *testing.T) {
	env := newEnv()
	v1 := newTestCache(t, env, nil)
	lookup(t, v1, SourceRemote)

	v2 := newTestCache(t, env, func(o *Options[quiz]) { o.SchemaVersion = "v2" })
	lookup(t, v2, SourceRemote)
	if n := env.fetcher.count(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

// ==============================
// Invalidation
// ==============================

func TestInvalidateKeyGroupAll(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	cc := newTestCache(t, env, nil)
	impl := mustImpl(t, cc)

	lookup(t, cc, SourceRemote)
	if err := cc.Invalidate(ctx, testKey); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if env.memory.has(impl.entryKey(testKey)) || env.persisted.has(impl.entryKey(testKey)) {
		t.Fatalf("Invalidate should delete from both tiers")
	}
	lookup(t, cc, SourceRemote)

	other := Key{Group: "Quizlet", ID: testKey.ID}
	if _, src := cc.Lookup(ctx, other); src != SourceRemote {
		t.Fatalf("other group: %s", src)
	}
	if err := cc.InvalidateGroup(ctx, testKey.Group); err != nil {
		t.Fatalf("InvalidateGroup: %v", err)
	}
	lookup(t, cc, SourceRemote)
	if _, src := cc.Lookup(ctx, other); src != SourceMemory {
		t.Fatalf("InvalidateGroup leaked into another group: %s", src)
	}

	if err := cc.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if env.persisted.has(impl.entryKey(other)) {
		t.Fatalf("InvalidateAll should purge prefix-deletable tiers")
	}
	lookup(t, cc, SourceRemote)
	if n := env.fetcher.count(); n != 5 {
		t.Fatalf("fetches = %d, want 5", n)
	}
}

func TestInvalidateDuringFetchSkipsBackfill(t *testing.T) {
	env := newEnv()
	var cc Cache[quiz]
	fetches := 0
	cc = newTestCache(t, env, func(o *Options[quiz]) {
		o.Fetcher = FetchFunc[quiz](func(ctx context.Context, k Key) (quiz, error) {
			fetches++
			if fetches == 1 {
				_ = cc.InvalidateGroup(ctx, k.Group) // admin save lands mid-fetch
			}
			return quiz{Date: k.ID, Title: "t"}, nil
		})
	})
	impl := mustImpl(t, cc)

	lookup(t, cc, SourceRemote)
	if env.memory.has(impl.entryKey(testKey)) || env.persisted.has(impl.entryKey(testKey)) {
		t.Fatalf("back-fill must be skipped when the generation moved")
	}
	lookup(t, cc, SourceRemote)
	lookup(t, cc, SourceMemory)
	if fetches != 2 {
		t.Fatalf("fetches = %d, want 2", fetches)
	}
}

type failingGenStore struct{ gen.GenStore }

func (failingGenStore) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, errors.New("redis unavailable")
}

func TestGenSnapshotErrorBypassesTiers(t *testing.T) {
	env := newEnv()
	env.genStore = failingGenStore{gen.NewLocal(0, 0)}
	cc := newTestCache(t, env, nil)

	lookup(t, cc, SourceRemote)
	lookup(t, cc, SourceRemote)
	if len(env.memory.m) != 0 || len(env.persisted.m) != 0 {
		t.Fatalf("nothing may be written without known generations")
	}
	if err := cc.Set(context.Background(), testKey, quiz{}); err == nil {
		t.Fatalf("Set should fail without generations")
	}
}

// ==============================
// Coalescing
// ==============================

type blockingFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *blockingFetcher) Fetch(_ context.Context, k Key) (quiz, error) {
	f.calls.Add(1)
	f.once.Do(func() { close(f.started) })
	<-f.release
	return quiz{Date: k.ID, Title: "shared"}, nil
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	env := newEnv()
	bf := newBlockingFetcher()
	cc := newTestCache(t, env, func(o *Options[quiz]) { o.Fetcher = bf })

	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]Source, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = cc.Lookup(context.Background(), testKey)
		}(i)
	}
	close(start)
	<-bf.started
	time.Sleep(100 * time.Millisecond)
	close(bf.release)
	wg.Wait()

	if got := bf.calls.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
	for i, src := range results {
		if src != SourceRemote && src != SourceMemory {
			t.Fatalf("caller %d got %s", i, src)
		}
	}
}

func TestDisableCoalescingFetchesPerCaller(t *testing.T) {
	env := newEnv()
	var (
		calls   atomic.Int32
		arrived sync.WaitGroup
	)
	arrived.Add(2)
	cc := newTestCache(t, env, func(o *Options[quiz]) {
		o.DisableCoalescing = true
		o.Fetcher = FetchFunc[quiz](func(_ context.Context, k Key) (quiz, error) {
			calls.Add(1)
			arrived.Done()
			done := make(chan struct{})
			go func() { arrived.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return quiz{Date: k.ID}, nil
		})
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cc.Get(context.Background(), testKey)
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestCanceledCallerDoesNotAbortSharedFetch(t *testing.T) {
	env := newEnv()
	bf := newBlockingFetcher()
	cc := newTestCache(t, env, func(o *Options[quiz]) { o.Fetcher = bf })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Source, 1)
	go func() {
		_, src := cc.Lookup(ctx, testKey)
		done <- src
	}()
	<-bf.started
	cancel()
	if src := <-done; src != SourceNone {
		t.Fatalf("canceled caller got %s", src)
	}

	close(bf.release)
	if v, ok := cc.Get(context.Background(), testKey); !ok || v.Title != "shared" {
		t.Fatalf("Get after release: v=%+v ok=%v", v, ok)
	}
	if got := bf.calls.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
}

// ==============================
// Set
// ==============================

func TestSetWritesBothTiers(t *testing.T) {
	ctx := context.Background()
	env := newEnv()
	cc := newTestCache(t, env, nil)
	impl := mustImpl(t, cc)

	if err := cc.Set(ctx, testKey, quiz{Date: testKey.ID, Title: "manual"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !env.memory.has(impl.entryKey(testKey)) || !env.persisted.has(impl.entryKey(testKey)) {
		t.Fatalf("Set should write both tiers")
	}
	if v := lookup(t, cc, SourceMemory); v.Title != "manual" {
		t.Fatalf("got %+v", v)
	}
	if env.fetcher.count() != 0 {
		t.Fatalf("Set value should be served without fetching")
	}
}
