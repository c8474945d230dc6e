package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations across API replicas so an admin save on one
// replica invalidates the shared persisted tier for all of them.
// With a TTL, generation keys expire; the TTL must exceed the longest entry
// TTL, otherwise an expired generation reads as 0 and an old entry matches again.
type Redis struct {
	rdb         redis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*Redis)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Prefix      string        // key prefix; "" => "gen"
	TTL         time.Duration // 0 disables expiry
	CloseClient bool          // close the client on Close
}

func NewRedis(cfg RedisConfig) *Redis {
	p := cfg.Prefix
	if p == "" {
		p = "gen"
	}
	return &Redis{rdb: cfg.Client, prefix: p, ttl: cfg.TTL, closeClient: cfg.CloseClient}
}

func (s *Redis) key(k string) string { return s.prefix + ":" + k }

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	g, err := parseGen(res)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return g, nil
}

// SnapshotMany uses a single MGET.
func (s *Redis) SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error) {
	if len(keys) == 0 {
		return map[string]uint64{}, nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(keys))
	for i, v := range vals {
		g, err := parseGen(v)
		if err != nil {
			return nil, fmt.Errorf("redis gen parse at %s: %w", keys[i], err)
		}
		out[keys[i]] = g
	}
	return out, nil
}

// parseGen accepts the shapes MGET may hand back; nil is a missing key.
func parseGen(v any) (uint64, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseUint(vv, 10, 64)
	case []byte:
		return strconv.ParseUint(string(vv), 10, 64)
	default:
		return strconv.ParseUint(fmt.Sprint(vv), 10, 64)
	}
}

// Bump increments the generation. With a TTL, INCR and EXPIRE go out in one pipeline.
func (s *Redis) Bump(ctx context.Context, k string) (uint64, error) {
	rk := s.key(k)

	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, rk).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rk)
		p.Expire(ctx, rk, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expires keys itself when a TTL is set.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
