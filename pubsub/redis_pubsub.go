package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisSubscription owns one Redis SUBSCRIBE connection.
type redisSubscription struct {
	id      string
	topic   string
	handler Handler
	ps      *redis.PubSub
	wg      sync.WaitGroup
}

// listen delivers messages until the pubsub connection is closed.
func (s *redisSubscription) listen() {
	defer s.wg.Done()
	l := log.With().Str("subscription_id", s.id).Str("topic", s.topic).Logger()
	l.Debug().Msg("redis listener started")

	for m := range s.ps.Channel() {
		s.handler(context.Background(), &Message{Topic: m.Channel, Payload: []byte(m.Payload)})
	}
	l.Debug().Msg("redis listener stopped")
}

func (s *redisSubscription) stop() error {
	err := s.ps.Close()
	s.wg.Wait()
	return err
}

// RedisPubSub broadcasts through Redis PUBLISH/SUBSCRIBE so every replica
// subscribed to a topic receives each message.
type RedisPubSub struct {
	client redis.UniversalClient
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisPubSub creates a Redis-backed PubSub. The client must not be nil.
func NewRedisPubSub(client redis.UniversalClient) PubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	return &RedisPubSub{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errClosed
	}

	receivers, err := r.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish to redis")
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Int64("receivers", receivers).Msg("message published to redis")
	return nil
}

// Subscribe opens a dedicated SUBSCRIBE connection and waits for the server
// to confirm it, so messages published after Subscribe returns are not missed.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (string, error) {
	if topic == "" {
		return "", errEmptyTopic
	}
	if handler == nil {
		return "", errNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", errClosed
	}

	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		log.Error().Err(err).Str("topic", topic).Msg("redis subscribe failed")
		return "", fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	s := &redisSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		ps:      ps,
	}
	s.wg.Add(1)
	go s.listen()
	r.subs[s.id] = s

	log.Info().Str("subscription_id", s.id).Str("topic", topic).Msg("redis subscription created")
	return s.id, nil
}

func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if !ok {
		return errNotSubscribed
	}
	return s.stop()
}

// Close stops every subscription. The Redis client itself is left open; its
// owner closes it.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Info().Int("subscriptions", len(subs)).Msg("redis pubsub closed")
	return firstErr
}

var _ PubSub = (*RedisPubSub)(nil)
