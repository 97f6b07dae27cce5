package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPoliciesKey is the hash holding every policy as id -> JSON.
const RedisPoliciesKey = "rate_limit:policies"

// redisRepository implements Repository on a single Redis hash.
type redisRepository struct {
	client redis.Cmdable
	key    string
}

// NewRedisRepository creates a Redis-backed policy repository.
// It accepts any redis.Cmdable (Client, ClusterClient, Ring).
func NewRedisRepository(client redis.Cmdable) Repository {
	return &redisRepository{
		client: client,
		key:    RedisPoliciesKey,
	}
}

func (r *redisRepository) Create(ctx context.Context, p Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", p.ID, err)
	}

	created, err := r.client.HSetNX(ctx, r.key, p.ID, data).Result()
	if err != nil {
		log.Error().Err(err).Str("policy_id", p.ID).Msg("failed to store policy in redis")
		return fmt.Errorf("store policy %s: %w", p.ID, err)
	}
	if !created {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	return nil
}

func (r *redisRepository) Update(ctx context.Context, p Policy) error {
	exists, err := r.client.HExists(ctx, r.key, p.ID).Result()
	if err != nil {
		return fmt.Errorf("check policy %s: %w", p.ID, err)
	}
	if !exists {
		return ErrNotFound
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy %s: %w", p.ID, err)
	}
	if err := r.client.HSet(ctx, r.key, p.ID, data).Err(); err != nil {
		log.Error().Err(err).Str("policy_id", p.ID).Msg("failed to update policy in redis")
		return fmt.Errorf("update policy %s: %w", p.ID, err)
	}
	return nil
}

func (r *redisRepository) Delete(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *redisRepository) Get(ctx context.Context, id string) (Policy, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("get policy %s: %w", id, err)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return p, nil
}

func (r *redisRepository) List(ctx context.Context, f Filter) ([]Policy, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if f.match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *redisRepository) ListEnabled(ctx context.Context) ([]Policy, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// all loads and decodes the whole hash. Entries that fail to decode are
// skipped with an error log so one corrupt record cannot hide the rest.
func (r *redisRepository) all(ctx context.Context) ([]Policy, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	out := make([]Policy, 0, len(raw))
	for id, data := range raw {
		var p Policy
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Error().Err(err).Str("policy_id", id).Msg("skipping undecodable policy")
			continue
		}
		out = append(out, p)
	}
	sortByCreated(out)
	return out, nil
}
