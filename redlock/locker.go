// Package redlock provides a single-instance Redis mutex used to serialise
// administrative writes issued by several replicas.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultTTL        = 5 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	defaultMaxRetries = 100
)

var (
	// ErrNotAcquired is returned by TryLock when another holder owns the key.
	ErrNotAcquired = errors.New("redlock: lock not acquired")
	// ErrNotHeld is returned by Unlock when the lock expired or belongs to someone else.
	ErrNotHeld = errors.New("redlock: lock not held")
	// ErrTimeout is returned by Lock when ctx ends or retries run out.
	ErrTimeout = errors.New("redlock: timed out waiting for lock")
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lease on one Redis key. A Locker is not safe for concurrent
// use; create one per critical section.
type Locker struct {
	client     redis.Cmdable
	key        string
	token      string
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets how long the lease lives if the holder never unlocks.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the pause between acquisition attempts in Lock.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithMaxRetries bounds the attempts Lock makes. Zero means retry until ctx ends.
func WithMaxRetries(n int) Option {
	return func(l *Locker) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock makes a single acquisition attempt.
func (l *Locker) TryLock(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("lock setnx failed")
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotAcquired
	}
	l.token = token
	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Lock retries TryLock until it succeeds, ctx ends or retries run out.
func (l *Locker) Lock(ctx context.Context) error {
	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := l.TryLock(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}
		if l.maxRetries > 0 && attempt >= l.maxRetries {
			log.Warn().Str("key", l.key).Int("attempts", attempt).Msg("lock retries exhausted")
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", l.key).Int("attempts", attempt).Msg("gave up waiting for lock")
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Unlock releases the lease if this Locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	token := l.token
	l.token = ""

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("lock release failed")
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Msg("lock expired before release")
		return ErrNotHeld
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}

// Do runs fn while holding the lock. An unlock failure is logged but does not
// override fn's result, since the lease expires on its own.
func (l *Locker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("key", l.key).Msg("unlock after critical section failed")
		}
	}()
	return fn(ctx)
}

// Key returns the locked resource key.
func (l *Locker) Key() string {
	return l.key
}
