package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const memoryBufferSize = 64

type memorySubscription struct {
	id      string
	topic   string
	handler Handler
	queue   chan *Message
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *memorySubscription) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(context.Background(), msg)
		}
	}
}

func (s *memorySubscription) stop() {
	close(s.done)
	s.wg.Wait()
}

// MemoryPubSub delivers messages between subscribers in the same process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]*memorySubscription
}

// NewMemoryPubSub creates an in-process PubSub.
func NewMemoryPubSub() PubSub {
	return &MemoryPubSub{
		subs: make(map[string]*memorySubscription),
	}
}

// Publish queues payload for every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.topic == topic {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		msg := &Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case s.queue <- msg:
		case <-s.done:
			log.Debug().Str("subscription_id", s.id).Msg("skipping stopped subscription")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Debug().Str("topic", topic).Int("subscribers", len(targets)).Msg("message published in memory")
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, handler Handler) (string, error) {
	if topic == "" {
		return "", errEmptyTopic
	}
	if handler == nil {
		return "", errNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errClosed
	}

	s := &memorySubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *Message, memoryBufferSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	m.subs[s.id] = s

	log.Debug().Str("subscription_id", s.id).Str("topic", topic).Msg("memory subscription created")
	return s.id, nil
}

func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return errNotSubscribed
	}
	s.stop()
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*memorySubscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	log.Info().Int("subscriptions", len(subs)).Msg("memory pubsub closed")
	return nil
}

var _ PubSub = (*MemoryPubSub)(nil)
