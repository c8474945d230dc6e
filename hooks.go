package quizcache

// Tier names a storage tier in hooks and logs.
type Tier string

const (
	TierMemory    Tier = "memory"
	TierPersisted Tier = "persisted"
	TierRemote    Tier = "remote"
)

// Self-heal reasons.
const (
	ReasonCorrupt    = "corrupt"
	ReasonVersion    = "version"
	ReasonGeneration = "generation"
	ReasonDecode     = "decode"
	ReasonExpired    = "expired"
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A tier answered a read with a fresh value.
	TierHit(tier Tier, key string)

	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "version", "generation", "decode", "expired"}
	SelfHeal(tier Tier, storageKey, reason string)

	// The Fetcher failed with something other than ErrNotFound.
	FetchError(key string, err error)

	// An expired value was returned because the fetch failed.
	StaleServed(key string, from Tier)

	// Back-fill after a fetch was skipped.
	// reason ∈ {"generation", "snapshot_error", "encode_error"}
	BackfillSkipped(key, reason string)

	// A provider call failed. op ∈ {"get", "set", "del", "delete_prefix"}
	ProviderError(tier Tier, op string, err error)

	// GenStore errors. op ∈ {"snapshot", "bump"}
	GenError(op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) TierHit(Tier, string)               {}
func (NopHooks) SelfHeal(Tier, string, string)      {}
func (NopHooks) FetchError(string, error)           {}
func (NopHooks) StaleServed(string, Tier)           {}
func (NopHooks) BackfillSkipped(string, string)     {}
func (NopHooks) ProviderError(Tier, string, error)  {}
func (NopHooks) GenError(string, error)             {}
