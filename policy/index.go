package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultIDPrefix = "default:"

// Limits are the numeric parameters of a synthesised default policy.
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	BurstCapacity     int `json:"burst_capacity"`
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// Defaults govern requests no stored policy matches.
type Defaults struct {
	Authenticated Limits `json:"authenticated"`
	Anonymous     Limits `json:"anonymous"`
}

// DefaultLimits returns the built-in defaults: authenticated callers get four
// times the anonymous sustained rate.
func DefaultLimits() Defaults {
	return Defaults{
		Authenticated: Limits{RequestsPerMinute: 120, BurstCapacity: 60, RetryAfterSeconds: 60},
		Anonymous:     Limits{RequestsPerMinute: 30, BurstCapacity: 10, RetryAfterSeconds: 60},
	}
}

// Validate checks both default limit sets with the same rules stored policies obey.
func (d Defaults) Validate() error {
	for _, p := range []Policy{d.policy(AudienceAuthenticated), d.policy(AudienceAnonymous)} {
		if err := Validate(p); err != nil {
			return fmt.Errorf("%s defaults: %w", p.AppliesTo, err)
		}
	}
	return nil
}

func (d Defaults) policy(a Audience) Policy {
	l := d.Anonymous
	if a == AudienceAuthenticated {
		l = d.Authenticated
	}
	return Policy{
		ID:                defaultIDPrefix + string(a),
		Name:              "default " + string(a),
		RequestsPerMinute: l.RequestsPerMinute,
		BurstCapacity:     l.BurstCapacity,
		AppliesTo:         a,
		EndpointType:      EndpointAll,
		RetryAfterSeconds: l.RetryAfterSeconds,
		Enabled:           true,
	}
}

// EnabledLister is the part of Repository the index rebuilds from.
type EnabledLister interface {
	ListEnabled(ctx context.Context) ([]Policy, error)
}

type snapshot struct {
	byKey   map[string]Policy
	builtAt time.Time
}

// Index resolves policies without touching the repository. Reads load an
// immutable snapshot; rebuilds construct a new map and swap it in.
type Index struct {
	mu       sync.Mutex // serialises rebuilds
	snap     atomic.Pointer[snapshot]
	defaults Defaults
}

// NewIndex creates an empty index that resolves everything to defaults.
func NewIndex(defaults Defaults) *Index {
	ix := &Index{defaults: defaults}
	ix.snap.Store(&snapshot{byKey: map[string]Policy{}})
	return ix
}

// Rebuild reloads enabled policies from src and swaps the snapshot.
// Concurrent rebuilds are serialised so a slower, older listing can never
// overwrite a newer one.
func (ix *Index) Rebuild(ctx context.Context, src EnabledLister) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	policies, err := src.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled policies: %w", err)
	}
	n := ix.replace(policies)
	log.Info().Int("policies", n).Msg("policy index rebuilt")
	return n, nil
}

// Replace swaps the snapshot for one built from policies. Disabled entries are ignored.
func (ix *Index) Replace(policies []Policy) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.replace(policies)
}

func (ix *Index) replace(policies []Policy) int {
	byKey := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		key := p.indexKey()
		if existing, ok := byKey[key]; ok {
			// most recently updated policy wins the key
			if existing.UpdatedAt.After(p.UpdatedAt) {
				continue
			}
			log.Warn().Str("key", key).Str("kept", p.ID).Str("shadowed", existing.ID).Msg("multiple enabled policies for one key")
		}
		byKey[key] = p
	}
	ix.snap.Store(&snapshot{byKey: byKey, builtAt: time.Now()})
	return len(byKey)
}

// Resolve returns the policy governing a caller on endpoint. Role policies
// apply only to authenticated callers that carry a role id.
func (ix *Index) Resolve(authenticated bool, roleID string, endpoint EndpointType) Policy {
	byKey := ix.snap.Load().byKey

	if authenticated && roleID != "" {
		if p, ok := byKey[roleKey(roleID, endpoint)]; ok {
			return p
		}
		if p, ok := byKey[roleKey(roleID, EndpointAll)]; ok {
			return p
		}
	}

	audience := AudienceAnonymous
	if authenticated {
		audience = AudienceAuthenticated
	}
	if p, ok := byKey[audienceKey(audience, endpoint)]; ok {
		return p
	}
	if p, ok := byKey[audienceKey(audience, EndpointAll)]; ok {
		return p
	}
	return ix.defaults.policy(audience)
}

// Len returns the number of indexed keys.
func (ix *Index) Len() int {
	return len(ix.snap.Load().byKey)
}

// BuiltAt returns when the current snapshot was swapped in.
func (ix *Index) BuiltAt() time.Time {
	return ix.snap.Load().builtAt
}
