// Package quizcache implements a tiered read-through cache:
// memory tier -> persisted tier -> remote fetch, back-filling the lower tiers
// on the way out.
//
// Components:
//   - Provider: byte store with TTL for each tier (ristretto, bigcache, redis, sqlite).
//   - Codec[V]: (de)serializes V <-> []byte. Its name is part of the schema version.
//   - GenStore: invalidation generations (namespace epoch, group, key).
//   - Fetcher[V]: the remote source.
//
// Every tier stores the same envelope: storedAt, schema version, generations
// and payload. An entry is served only when the schema version matches, its
// generations are current and it is younger than the tier's TTL.
//
// Keys:
//
//	entry:<ns>:<group>/<id>  - entries in both tiers
//	epoch:<ns>               - namespace generation
//	group:<ns>:<group>       - group generation
//
// Back-fill after a fetch uses the generations observed before the fetch; an
// invalidation that lands mid-fetch makes the write a no-op.
package quizcache
