package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/pubsub"
	"github.com/toolink/admission/redlock"
)

// LockKey is the Redis key mutations hold when a lock client is configured.
const LockKey = "rate_limit:policy:lock"

// Rebuilder reloads a policy index after a mutation.
type Rebuilder interface {
	RebuildPolicies(ctx context.Context) error
}

// ChangeKind names a policy mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is the notification published on ChangesTopic after a mutation.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	PolicyID string     `json:"policy_id"`
	At       time.Time  `json:"at"`
}

// Service is the administrative surface over a Repository. Every successful
// mutation rebuilds the attached index before returning.
type Service struct {
	repo      Repository
	rebuilder Rebuilder
	broker    *pubsub.Broker
	lockRedis redis.Cmdable
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBroker publishes a Change on ChangesTopic after each mutation so other
// replicas can rebuild their indexes.
func WithBroker(b *pubsub.Broker) ServiceOption {
	return func(s *Service) {
		s.broker = b
	}
}

// WithLock serialises mutations across replicas with a Redis lease on LockKey.
func WithLock(client redis.Cmdable) ServiceOption {
	return func(s *Service) {
		s.lockRedis = client
	}
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. rebuilder may be nil when no index needs to
// follow the repository (e.g. one-shot CLI writes).
func NewService(repo Repository, rebuilder Rebuilder, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		rebuilder: rebuilder,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in and stores it as a new policy.
func (s *Service) Create(ctx context.Context, in Input) (Policy, error) {
	p := in.toPolicy()
	if err := Validate(p); err != nil {
		return Policy{}, err
	}

	now := s.now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.mutate(ctx, func(ctx context.Context) error {
		return s.repo.Create(ctx, p)
	})
	if err != nil {
		return Policy{}, fmt.Errorf("create policy: %w", err)
	}

	log.Info().Str("policy_id", p.ID).Str("key", p.indexKey()).Int("rpm", p.RequestsPerMinute).Int("burst", p.BurstCapacity).Msg("policy created")
	s.announce(ctx, ChangeCreated, p.ID)
	return p, nil
}

// Update applies patch to the policy with the given id.
func (s *Service) Update(ctx context.Context, id string, patch Patch) (Policy, error) {
	var updated Policy
	err := s.mutate(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		next := patch.apply(current)
		if err := Validate(next); err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()
		if err := s.repo.Update(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Policy{}, fmt.Errorf("update policy %s: %w", id, err)
	}

	log.Info().Str("policy_id", id).Bool("enabled", updated.Enabled).Msg("policy updated")
	s.announce(ctx, ChangeUpdated, id)
	return updated, nil
}

// Delete removes the policy with the given id.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.mutate(ctx, func(ctx context.Context) error {
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}

	log.Info().Str("policy_id", id).Msg("policy deleted")
	s.announce(ctx, ChangeDeleted, id)
	return nil
}

// Get returns one policy.
func (s *Service) Get(ctx context.Context, id string) (Policy, error) {
	return s.repo.Get(ctx, id)
}

// List returns stored policies, optionally filtered by audience.
func (s *Service) List(ctx context.Context, f Filter) ([]Policy, error) {
	if f.Audience != "" && !validAudiences[f.Audience] {
		return nil, &ValidationError{Violations: []Violation{{
			Field:   "applies_to",
			Message: fmt.Sprintf("unknown audience %q", f.Audience),
		}}}
	}
	return s.repo.List(ctx, f)
}

// mutate runs write under the optional cross-replica lock, then rebuilds the
// index. A rebuild failure is returned: the write has happened but this
// replica would otherwise keep serving stale policies silently.
func (s *Service) mutate(ctx context.Context, write func(ctx context.Context) error) error {
	run := func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			return err
		}
		if s.rebuilder == nil {
			return nil
		}
		if err := s.rebuilder.RebuildPolicies(ctx); err != nil {
			return fmt.Errorf("rebuild policy index: %w", err)
		}
		return nil
	}

	if s.lockRedis == nil {
		return run(ctx)
	}
	return redlock.NewLocker(s.lockRedis, LockKey).Do(ctx, run)
}

func (s *Service) announce(ctx context.Context, kind ChangeKind, id string) {
	if s.broker == nil {
		return
	}
	payload, err := json.Marshal(Change{Kind: kind, PolicyID: id, At: s.now().UTC()})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode policy change")
		return
	}
	// Peers converge on their next change or restart; the local index is already current.
	if err := s.broker.Publish(context.WithoutCancel(ctx), ChangesTopic, payload); err != nil {
		log.Warn().Err(err).Str("policy_id", id).Str("kind", string(kind)).Msg("failed to announce policy change")
	}
}

// IsNotFound reports whether err means the policy does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
