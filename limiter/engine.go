// Package limiter decides request admission with per-identity token buckets.
// Policies are resolved from an in-memory index; bucket state lives in a Store.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/clock"
	"github.com/toolink/admission/policy"
)

const (
	// DefaultTTL is how long an idle bucket survives in the store.
	DefaultTTL = time.Hour
	// DefaultStoreTimeout bounds every store call on the request path.
	DefaultStoreTimeout = 250 * time.Millisecond

	adminTimeout = 5 * time.Second
)

// Result is the verdict of one admission check.
type Result struct {
	Allowed           bool          `json:"allowed"`
	TokensRemaining   int           `json:"tokens_remaining"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
	Limit             int           `json:"limit"`
	Policy            policy.Policy `json:"-"`
}

// Engine is safe for concurrent use.
type Engine struct {
	repo      policy.Repository
	store     Store
	atomic    AtomicStore
	index     *policy.Index
	clock     clock.Clock
	ttl       time.Duration
	timeout   time.Duration
	defaults  policy.Defaults
	strict    bool
	endpoints []policy.EndpointType
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for refill math.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithTTL sets the idle expiration applied on every bucket write.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.ttl = d
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithDefaults replaces the limits used when no stored policy matches.
func WithDefaults(d policy.Defaults) Option {
	return func(e *Engine) {
		e.defaults = d
	}
}

// WithAtomic makes every check a single store-side operation. The store
// must implement AtomicStore.
func WithAtomic() Option {
	return func(e *Engine) {
		e.strict = true
	}
}

// WithEndpoints sets the endpoint categories Status reports on.
func WithEndpoints(endpoints ...policy.EndpointType) Option {
	return func(e *Engine) {
		e.endpoints = endpoints
	}
}

// NewEngine builds an engine and loads the enabled policies from repo.
func NewEngine(ctx context.Context, repo policy.Repository, store Store, opts ...Option) (*Engine, error) {
	if repo == nil || store == nil {
		return nil, errors.New("limiter: repository and store are required")
	}
	e := &Engine{
		repo:      repo,
		store:     store,
		clock:     clock.NewReal(),
		ttl:       DefaultTTL,
		timeout:   DefaultStoreTimeout,
		defaults:  policy.DefaultLimits(),
		endpoints: policy.Endpoints(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.ttl <= 0 {
		return nil, fmt.Errorf("limiter: ttl must be positive, got %s", e.ttl)
	}
	if e.timeout <= 0 {
		return nil, fmt.Errorf("limiter: store timeout must be positive, got %s", e.timeout)
	}
	if err := e.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}
	if e.strict {
		as, ok := store.(AtomicStore)
		if !ok {
			return nil, fmt.Errorf("limiter: atomic admission requested but %T has no Take", store)
		}
		e.atomic = as
	}

	e.index = policy.NewIndex(e.defaults)
	if err := e.RebuildPolicies(ctx); err != nil {
		return nil, err
	}

	log.Info().
		Dur("ttl", e.ttl).
		Dur("store_timeout", e.timeout).
		Bool("atomic", e.strict).
		Msg("admission engine ready")
	return e, nil
}

// Check admits one request.
func (e *Engine) Check(ctx context.Context, id Identity, endpoint policy.EndpointType) (Result, error) {
	return e.CheckN(ctx, id, endpoint, 1)
}

// CheckN admits a request costing n tokens. Denied checks still persist the
// refilled bucket. A store failure returns an error matching
// ErrStoreUnavailable and no verdict.
func (e *Engine) CheckN(ctx context.Context, id Identity, endpoint policy.EndpointType, n int) (Result, error) {
	if n < 1 {
		return Result{}, ErrInvalidCost
	}
	if !slices.Contains(policy.Endpoints(), endpoint) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}
	key, err := BucketKey(id, endpoint)
	if err != nil {
		return Result{}, err
	}

	p := e.Resolve(id, endpoint)
	if err := checkShape(p); err != nil {
		log.Error().Err(err).Str("key", key).Msg("refusing to admit against malformed policy")
		return Result{}, err
	}

	now := e.clock.Now()
	var (
		st      State
		allowed bool
	)
	if e.atomic != nil {
		st, allowed, err = e.take(ctx, key, p, n, now)
	} else {
		st, allowed, err = e.loadRefillSave(ctx, key, p, n, now)
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:         allowed,
		TokensRemaining: st.Tokens,
		Limit:           p.BurstCapacity,
		Policy:          p,
	}
	if !allowed {
		res.RetryAfterSeconds = retryAfter(n-st.Tokens, p.RequestsPerMinute, p.RetryAfterSeconds)
		log.Warn().
			Str("key", key).
			Str("policy_id", p.ID).
			Int("requested", n).
			Int("tokens", st.Tokens).
			Int("retry_after", res.RetryAfterSeconds).
			Msg("admission denied")
		return res, nil
	}

	log.Debug().Str("key", key).Str("policy_id", p.ID).Int("tokens", st.Tokens).Msg("admission granted")
	return res, nil
}

func (e *Engine) loadRefillSave(ctx context.Context, key string, p policy.Policy, n int, now time.Time) (State, bool, error) {
	sctx, cancel := e.storeContext(ctx, e.timeout)
	defer cancel()

	st, found, err := e.store.Load(sctx, key)
	if err != nil {
		return State{}, false, storeFailure("load", key, err)
	}
	if !found {
		st = State{Tokens: p.BurstCapacity, LastRefill: now}
	}

	st = refill(st, p.RequestsPerMinute, p.BurstCapacity, now)
	st, allowed := consume(st, n)

	if err := e.store.Save(sctx, key, st, e.ttl); err != nil {
		return State{}, false, storeFailure("save", key, err)
	}
	return st, allowed, nil
}

func (e *Engine) take(ctx context.Context, key string, p policy.Policy, n int, now time.Time) (State, bool, error) {
	sctx, cancel := e.storeContext(ctx, e.timeout)
	defer cancel()

	st, allowed, err := e.atomic.Take(sctx, key, TakeRequest{
		Capacity:  p.BurstCapacity,
		PerMinute: p.RequestsPerMinute,
		Cost:      n,
		Now:       now,
		TTL:       e.ttl,
	})
	if err != nil {
		return State{}, false, storeFailure("take", key, err)
	}
	return st, allowed, nil
}

// storeContext detaches store calls from the caller's cancellation so an
// in-flight write completes; d still bounds them.
func (e *Engine) storeContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func storeFailure(op, key string, err error) error {
	log.Error().Err(err).Str("op", op).Str("key", key).Msg("bucket store operation failed")
	return &StoreError{Op: op, Key: key, Err: err}
}

// Resolve returns the policy governing id on endpoint.
func (e *Engine) Resolve(id Identity, endpoint policy.EndpointType) policy.Policy {
	return e.index.Resolve(id.Authenticated(), id.RoleID, endpoint)
}

// checkShape rejects policies the bucket math cannot run. Stored policies are
// validated on write, so this only trips on data edited behind the service.
func checkShape(p policy.Policy) error {
	switch {
	case p.RequestsPerMinute <= 0:
		return &ConfigurationError{PolicyID: p.ID, Reason: fmt.Sprintf("requests_per_minute %d is not positive", p.RequestsPerMinute)}
	case p.BurstCapacity < 0 || p.BurstCapacity > p.RequestsPerMinute:
		return &ConfigurationError{PolicyID: p.ID, Reason: fmt.Sprintf("burst_capacity %d outside [0, %d]", p.BurstCapacity, p.RequestsPerMinute)}
	case p.RetryAfterSeconds < policy.MinRetryAfterSeconds || p.RetryAfterSeconds > policy.MaxRetryAfterSeconds:
		return &ConfigurationError{PolicyID: p.ID, Reason: fmt.Sprintf("retry_after_seconds %d outside [%d, %d]", p.RetryAfterSeconds, policy.MinRetryAfterSeconds, policy.MaxRetryAfterSeconds)}
	}
	return nil
}
