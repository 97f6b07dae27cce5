package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errBrokerClosed = errors.New("pubsub: broker closed")

// Broker wraps a PubSub implementation so callers do not care which backend
// is in use.
type Broker struct {
	mu   sync.RWMutex
	impl PubSub
}

// BrokerOption configures a Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.UniversalClient
}

// WithRedisClient selects the Redis backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// New creates a Broker. The memory backend is used unless WithRedisClient is given.
func New(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var ps PubSub
	if options.redisClient != nil {
		log.Info().Msg("initializing broker with redis pubsub backend")
		ps = NewRedisPubSub(options.redisClient)
	} else {
		log.Info().Msg("initializing broker with memory pubsub backend")
		ps = NewMemoryPubSub()
	}
	return &Broker{impl: ps}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Publish(ctx, topic, payload)
}

func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return "", errBrokerClosed
	}
	return b.impl.Subscribe(ctx, topic, handler)
}

func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Unsubscribe(ctx, id)
}

// Close closes the backend. Further calls return an error.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}
