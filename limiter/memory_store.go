package limiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/clock"
)

type memoryEntry struct {
	state   State
	expires time.Time
}

// MemoryStore keeps bucket state in a map. It is meant for single-replica
// deployments and tests; expired entries read as absent and are swept by a
// background janitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock           clock.Clock
	cleanupInterval time.Duration
}

// WithMemoryClock sets the clock expirations are measured against.
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(o *memoryOptions) {
		o.clock = c
	}
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables the janitor.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		o.cleanupInterval = d
	}
}

// NewMemoryStore creates an in-memory bucket store. Call Close to stop its janitor.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := &memoryOptions{
		clock:           clock.NewReal(),
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   o.clock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o.cleanupInterval > 0 {
		go s.janitor(o.cleanupInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("swept idle buckets")
			}
		}
	}
}

func (s *MemoryStore) sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// lookup must be called with s.mu held.
func (s *MemoryStore) lookup(key string, now time.Time) (State, bool) {
	e, ok := s.entries[key]
	if !ok {
		return State{}, false
	}
	if !now.Before(e.expires) {
		delete(s.entries, key)
		return State{}, false
	}
	return e.state, true
}

func (s *MemoryStore) Load(ctx context.Context, key string) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lookup(key, s.clock.Now())
	return st, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, st State, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{state: st, expires: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			n++
		}
	}
	log.Debug().Str("prefix", prefix).Int64("deleted", n).Msg("memory buckets deleted")
	return n, nil
}

// Take runs refill and consume under the store mutex.
func (s *MemoryStore) Take(ctx context.Context, key string, req TakeRequest) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lookup(key, s.clock.Now())
	if !ok {
		st = State{Tokens: req.Capacity, LastRefill: req.Now}
	}
	st = refill(st, req.PerMinute, req.Capacity, req.Now)
	st, allowed := consume(st, req.Cost)
	s.entries[key] = memoryEntry{state: st, expires: s.clock.Now().Add(req.TTL)}
	return st, allowed, nil
}

// Len returns the number of live and not yet swept entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}

var _ AtomicStore = (*MemoryStore)(nil)
