package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// memoryRepository implements Repository with a map.
type memoryRepository struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryRepository creates an in-process policy repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		policies: make(map[string]Policy),
	}
}

func (r *memoryRepository) Create(_ context.Context, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[p.ID]; exists {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	r.policies[p.ID] = p
	log.Debug().Str("policy_id", p.ID).Msg("policy stored in memory")
	return nil
}

func (r *memoryRepository) Update(_ context.Context, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[p.ID]; !exists {
		return ErrNotFound
	}
	r.policies[p.ID] = p
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[id]; !exists {
		return ErrNotFound
	}
	delete(r.policies, id)
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepository) List(_ context.Context, f Filter) ([]Policy, error) {
	r.mu.RLock()
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		if f.match(p) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}

func (r *memoryRepository) ListEnabled(_ context.Context) ([]Policy, error) {
	r.mu.RLock()
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}
