package limiter

import (
	"context"
	"time"
)

// State is the live token bucket for one (identity, endpoint) key.
type State struct {
	Tokens     int
	LastRefill time.Time
}

// Store holds bucket state with a sliding idle expiration.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the state stored under key. found is false when the key
	// is absent or expired.
	Load(ctx context.Context, key string) (s State, found bool, err error)
	// Save writes state under key and (re)sets its expiration to ttl.
	Save(ctx context.Context, key string, s State, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// TakeRequest carries what a store needs to run refill and consume itself.
type TakeRequest struct {
	Capacity  int
	PerMinute int
	Cost      int
	Now       time.Time
	TTL       time.Duration
}

// AtomicStore is a Store that can load, refill, consume and save a bucket as
// one indivisible operation.
type AtomicStore interface {
	Store
	// Take returns the bucket after refill (and consumption when allowed).
	Take(ctx context.Context, key string, req TakeRequest) (s State, allowed bool, err error)
}
