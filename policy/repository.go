package policy

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned when a policy id does not exist.
var ErrNotFound = errors.New("policy: not found")

// Filter narrows List results. The zero value matches every policy.
type Filter struct {
	Audience Audience
}

func (f Filter) match(p Policy) bool {
	return f.Audience == "" || p.AppliesTo == f.Audience
}

// Repository is the durable policy catalog.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create stores a new policy. The id is assigned by the caller.
	Create(ctx context.Context, p Policy) error
	// Update replaces an existing policy. Returns ErrNotFound if the id is unknown.
	Update(ctx context.Context, p Policy) error
	// Delete removes a policy. Returns ErrNotFound if the id is unknown.
	Delete(ctx context.Context, id string) error
	// Get returns a single policy or ErrNotFound.
	Get(ctx context.Context, id string) (Policy, error)
	// List returns policies matching f ordered by creation time.
	List(ctx context.Context, f Filter) ([]Policy, error)
	// ListEnabled returns every enabled policy ordered by creation time.
	ListEnabled(ctx context.Context) ([]Policy, error)
}

func sortByCreated(ps []Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
