package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/admission/config"
	"github.com/toolink/admission/lifecycle"
	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/policy"
	"github.com/toolink/admission/pubsub"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// runtime holds the wired components of one process.
type runtime struct {
	cfg     config.Config
	life    *lifecycle.Manager
	redis   redis.UniversalClient // nil with the memory backend
	repo    policy.Repository
	store   limiter.Store
	broker  *pubsub.Broker
	engine  *limiter.Engine
	service *policy.Service
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, life: lifecycle.New()}

	var components []lifecycle.Component
	switch cfg.Admission.Backend {
	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.redis = client
		rt.repo = policy.NewRedisRepository(client)
		rt.store = limiter.NewRedisStore(client)
		rt.broker = pubsub.New(pubsub.WithRedisClient(client))
		components = append(components,
			lifecycle.Hook{
				ID: "redis",
				OnStart: func(ctx context.Context) error {
					pctx, cancel := context.WithTimeout(ctx, connectTimeout)
					defer cancel()
					if err := client.Ping(pctx).Err(); err != nil {
						return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
					}
					log.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("connected to redis")
					return nil
				},
				OnStop: func(context.Context) error { return client.Close() },
			},
			lifecycle.Closer("broker", rt.broker.Close),
		)
	default:
		store := limiter.NewMemoryStore()
		rt.repo = policy.NewMemoryRepository()
		rt.store = store
		rt.broker = pubsub.New()
		components = append(components,
			lifecycle.Closer("memory-store", store.Close),
			lifecycle.Closer("broker", rt.broker.Close),
		)
	}

	for _, c := range components {
		if err := rt.life.Register(c); err != nil {
			return nil, err
		}
	}
	if err := rt.life.Start(ctx); err != nil {
		_ = rt.life.Stop(ctx)
		return nil, err
	}

	opts := []limiter.Option{
		limiter.WithTTL(cfg.Admission.BucketTTL),
		limiter.WithStoreTimeout(cfg.Admission.StoreTimeout),
		limiter.WithDefaults(cfg.Admission.Defaults),
	}
	if cfg.Admission.Atomic {
		opts = append(opts, limiter.WithAtomic())
	}
	engine, err := limiter.NewEngine(ctx, rt.repo, rt.store, opts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine = engine

	svcOpts := []policy.ServiceOption{policy.WithBroker(rt.broker)}
	if rt.redis != nil {
		svcOpts = append(svcOpts, policy.WithLock(rt.redis))
	}
	rt.service = policy.NewService(rt.repo, engine, svcOpts...)
	return rt, nil
}

// seed loads the policy file into an empty repository.
func (rt *runtime) seed(ctx context.Context) error {
	path := rt.cfg.Admission.PolicyFile
	if path == "" {
		return nil
	}
	inputs, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	n, err := rt.service.Seed(ctx, inputs)
	if err != nil {
		// valid entries are kept; the rest are reported
		log.Warn().Err(err).Str("file", path).Msg("some seed policies were rejected")
	}
	log.Info().Int("created", n).Str("file", path).Msg("policy seed applied")
	return nil
}

// watch follows policy changes from other replicas until the runtime closes.
func (rt *runtime) watch(ctx context.Context) error {
	var subID string
	if err := rt.life.Register(lifecycle.Hook{
		ID: "policy-watch",
		OnStart: func(context.Context) (err error) {
			subID, err = rt.engine.Watch(ctx, rt.broker)
			return err
		},
		OnStop: func(ctx context.Context) error {
			return rt.broker.Unsubscribe(ctx, subID)
		},
	}); err != nil {
		return err
	}
	return rt.life.Start(ctx)
}

func (rt *runtime) ping(ctx context.Context) error {
	if rt.redis == nil {
		return nil
	}
	return rt.redis.Ping(ctx).Err()
}

// Close stops every started component in reverse order.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.life.Stop(ctx)
}

// withRuntime loads configuration, builds a runtime and runs fn with it.
func withRuntime(ctx context.Context, g *globalFlags, fn func(rt *runtime) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release resources")
		}
	}()
	return fn(rt)
}
