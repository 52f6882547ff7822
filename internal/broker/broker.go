// Package broker abstracts the publish/subscribe fabric between fleet
// instances. Topics are partitioned by a key: messages sharing a key are
// delivered in order relative to each other, nothing more. Every subscribed
// instance receives every message on a topic (fan-out is at-least-once per
// instance, not per session).
package broker

import "context"

// Handler consumes one message. key is the partition key the producer
// published with.
type Handler func(ctx context.Context, key string, data []byte)

// Broker publishes and subscribes to partitioned topics.
type Broker interface {
	// Publish hands a message to the broker. A failed publish is surfaced to
	// the caller, who owns any retry policy.
	Publish(ctx context.Context, topic, key string, data []byte) error

	// Subscribe registers a consumer for every message on topic, regardless
	// of key. Handlers run on broker goroutines and must not block on the
	// caller.
	Subscribe(topic string, h Handler) error
}
