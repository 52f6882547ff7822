package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/model"
	"github.com/example/chat-core/pkg/otelhelper"
)

// emptyKeyToken stands in for an empty partition key so the subject always
// has the same token count.
const emptyKeyToken = "_"

// NATS is a Broker over NATS subjects. A topic/key pair maps to the subject
// "{topic}.{key}", so per-key ordering falls out of NATS per-subject
// ordering.
type NATS struct {
	nc               *nats.Conn
	publishCounter   metric.Int64Counter
	deliveredCounter metric.Int64Counter
}

// NewNATS wraps an established NATS connection.
func NewNATS(nc *nats.Conn) *NATS {
	meter := otel.Meter("broker")
	publishCounter, _ := meter.Int64Counter("broker_publishes_total",
		metric.WithDescription("Total messages published per topic"))
	deliveredCounter, _ := meter.Int64Counter("broker_deliveries_total",
		metric.WithDescription("Total messages delivered to local consumers per topic"))
	return &NATS{nc: nc, publishCounter: publishCounter, deliveredCounter: deliveredCounter}
}

func subjectFor(topic, key string) string {
	if key == "" {
		key = emptyKeyToken
	}
	return topic + "." + key
}

// Publish sends data on the subject derived from topic and key, with trace
// context in the message headers.
func (b *NATS) Publish(ctx context.Context, topic, key string, data []byte) error {
	if err := otelhelper.TracedPublish(ctx, b.nc, subjectFor(topic, key), data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", model.ErrBrokerUnavailable, topic, err)
	}
	b.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	return nil
}

// Subscribe consumes every message on topic. No queue group: every instance
// of the fleet sees every message, which is what session fan-out needs.
func (b *NATS) Subscribe(topic string, h Handler) error {
	_, err := b.nc.Subscribe(topic+".*", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, topic+" consume")
		defer span.End()

		key := strings.TrimPrefix(msg.Subject, topic+".")
		if key == emptyKeyToken {
			key = ""
		}
		span.SetAttributes(attribute.String("broker.partition_key", key))

		h(ctx, key, msg.Data)
		b.deliveredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	slog.Info("Subscribed to topic", "topic", topic)
	return nil
}
