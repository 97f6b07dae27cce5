// Package pubsub fans notifications out to every subscriber of a topic, in
// process or across replicas through Redis.
package pubsub

import (
	"context"
	"errors"
)

var (
	errClosed        = errors.New("pubsub: closed")
	errNilHandler    = errors.New("pubsub: handler cannot be nil")
	errEmptyTopic    = errors.New("pubsub: topic cannot be empty")
	errNotSubscribed = errors.New("pubsub: subscription not found")
)

// Message is a single delivered notification.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a delivered message. Handlers for one subscription run
// sequentially in delivery order.
type Handler func(ctx context.Context, msg *Message)

// PubSub defines the interface for a publish/subscribe backend.
type PubSub interface {
	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns a subscription id.
	Subscribe(ctx context.Context, topic string, handler Handler) (string, error)

	// Unsubscribe stops the subscription with the given id.
	Unsubscribe(ctx context.Context, id string) error

	// Close stops every subscription and releases resources.
	Close() error
}
