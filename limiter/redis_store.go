package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed token_bucket.lua
var tokenBucketLua string

var takeScript = redis.NewScript(tokenBucketLua)

const defaultScanCount = 100

// wireState is the stored JSON value: {"tokens":N,"last_refill":<unix ms>}.
type wireState struct {
	Tokens     int   `json:"tokens"`
	LastRefill int64 `json:"last_refill"`
}

// RedisStore keeps bucket state as JSON strings with a sliding EXPIRE.
type RedisStore struct {
	client    redis.UniversalClient
	scanCount int64
}

// NewRedisStore creates a Redis bucket store. It accepts a Client,
// ClusterClient or Ring through redis.UniversalClient.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:    client,
		scanCount: defaultScanCount,
	}
}

func (s *RedisStore) Load(ctx context.Context, key string) (State, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		// an unreadable bucket is re-seeded full on the next save
		log.Warn().Err(err).Str("key", key).Msg("discarding undecodable bucket state")
		return State{}, false, nil
	}
	return State{Tokens: w.Tokens, LastRefill: time.UnixMilli(w.LastRefill)}, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, st State, ttl time.Duration) error {
	data, err := json.Marshal(wireState{Tokens: st.Tokens, LastRefill: st.LastRefill.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode bucket state: %w", err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// Take runs token_bucket.lua: one round trip, atomic with respect to every
// other client of the key.
func (s *RedisStore) Take(ctx context.Context, key string, req TakeRequest) (State, bool, error) {
	ttl := req.TTL.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := takeScript.Run(ctx, s.client, []string{key},
		req.Capacity, req.PerMinute, req.Cost, req.Now.UnixMilli(), ttl,
	).Int64Slice()
	if err != nil {
		return State{}, false, err
	}
	if len(res) != 3 {
		return State{}, false, fmt.Errorf("token bucket script returned %d values", len(res))
	}
	return State{Tokens: int(res[1]), LastRefill: time.UnixMilli(res[2])}, res[0] == 1, nil
}

// DeletePrefix walks the keyspace with SCAN MATCH and unlinks each page.
// On a cluster every master is scanned and keys are unlinked one per
// command, since a page can span hash slots.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := matchPattern(prefix)

	cc, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return scanUnlink(ctx, s.client, pattern, s.scanCount, false)
	}

	var total atomic.Int64
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		n, err := scanUnlink(ctx, node, pattern, s.scanCount, true)
		total.Add(n)
		return err
	})
	return total.Load(), err
}

func scanUnlink(ctx context.Context, c redis.Cmdable, pattern string, count int64, perKey bool) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return total, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := unlink(ctx, c, keys, perKey)
			total += n
			if err != nil {
				return total, fmt.Errorf("unlink %d keys: %w", len(keys), err)
			}
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func unlink(ctx context.Context, c redis.Cmdable, keys []string, perKey bool) (int64, error) {
	if !perKey {
		return c.Unlink(ctx, keys...).Result()
	}

	pipe := c.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Unlink(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, cmd := range cmds {
		n += cmd.Val()
	}
	return n, nil
}

var _ AtomicStore = (*RedisStore)(nil)
