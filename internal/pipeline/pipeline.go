// Package pipeline moves chat messages: validate, persist, publish, and on
// the consuming side fan out to the local sessions of the addressees. A
// message is published to the broker only after storage acknowledged it, so
// a delivered message is always a durable one.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/broker"
	"github.com/example/chat-core/internal/calls"
	"github.com/example/chat-core/internal/gateway"
	"github.com/example/chat-core/internal/model"
	"github.com/example/chat-core/internal/presence"
	"github.com/example/chat-core/internal/storage"
)

// Message topics. Direct messages are keyed by receiver, group messages by
// conversation, so each addressee observes its stream in publish order.
const (
	TopicDirect = "direct-messages"
	TopicGroup  = "group-messages"
)

// Pusher is the local fan-out surface, satisfied by the gateway registry.
type Pusher interface {
	PushUser(userID, destination string, body any) int
	PushSubscribed(destination string, body any) int
}

// Pipeline validates, persists, and distributes messages.
type Pipeline struct {
	broker  broker.Broker
	storage storage.Client
	pusher  Pusher

	sentCounter      metric.Int64Counter
	deliveredCounter metric.Int64Counter
}

// New builds a pipeline over the broker, the storage client, and the local
// session fan-out.
func New(b broker.Broker, st storage.Client, pusher Pusher) *Pipeline {
	meter := otel.Meter("pipeline")
	sentCounter, _ := meter.Int64Counter("pipeline_messages_sent_total",
		metric.WithDescription("Total messages accepted and published"))
	deliveredCounter, _ := meter.Int64Counter("pipeline_sessions_delivered_total",
		metric.WithDescription("Total local session deliveries"))

	return &Pipeline{
		broker:           b,
		storage:          st,
		pusher:           pusher,
		sentCounter:      sentCounter,
		deliveredCounter: deliveredCounter,
	}
}

// SendDirect persists a one-to-one message and publishes it keyed by the
// receiver. The direct conversation is created on first contact.
func (p *Pipeline) SendDirect(ctx context.Context, senderID, receiverID, content string) (model.Message, error) {
	conversation, err := p.storage.FindOrCreateDirectConversation(ctx, senderID, receiverID)
	if err != nil {
		return model.Message{}, fmt.Errorf("resolve direct conversation: %w", err)
	}

	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Timestamp:      time.Now(),
		Status:         model.DeliveryUnread,
	}

	saved, err := p.storage.SaveMessage(ctx, msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("persist message: %w", err)
	}

	data, _ := json.Marshal(saved)
	if err := p.broker.Publish(ctx, TopicDirect, receiverID, data); err != nil {
		return model.Message{}, err
	}

	p.sentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "direct")))
	slog.Info("Direct message sent", "message", saved.ID, "sender", senderID, "receiver", receiverID)
	return saved, nil
}

// SendGroup persists a group message and publishes it keyed by the
// conversation. The sender must be a participant.
func (p *Pipeline) SendGroup(ctx context.Context, senderID, conversationID, content string) (model.Message, error) {
	conversation, err := p.storage.FindConversation(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}
	if !conversation.HasParticipant(senderID) {
		return model.Message{}, fmt.Errorf("%w: not a participant of %s", model.ErrForbidden, conversationID)
	}

	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      time.Now(),
		Status:         model.DeliveryUnread,
	}

	saved, err := p.storage.SaveMessage(ctx, msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("persist message: %w", err)
	}

	data, _ := json.Marshal(saved)
	if err := p.broker.Publish(ctx, TopicGroup, conversationID, data); err != nil {
		return model.Message{}, err
	}

	p.sentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "group")))
	slog.Info("Group message sent", "message", saved.ID, "sender", senderID, "conversation", conversationID)
	return saved, nil
}

// MarkRead flips the caller's unread messages in a conversation to READ. The
// caller must be a participant.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID, userID string) error {
	member, err := p.storage.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: not a participant of %s", model.ErrForbidden, conversationID)
	}
	return p.storage.MarkRead(ctx, conversationID, userID)
}

// BindConsumers subscribes every fan-out consumer: direct and group
// messages, presence events, call events, and call signals. Each instance
// consumes everything and delivers to whichever addressees it holds locally.
func (p *Pipeline) BindConsumers() error {
	if err := p.broker.Subscribe(TopicDirect, p.consumeDirect); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicDirect, err)
	}
	if err := p.broker.Subscribe(TopicGroup, p.consumeGroup); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicGroup, err)
	}
	if err := p.broker.Subscribe(presence.TopicEvents, p.consumePresence); err != nil {
		return fmt.Errorf("subscribe %s: %w", presence.TopicEvents, err)
	}
	if err := p.broker.Subscribe(calls.TopicEvents, p.consumeCallEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", calls.TopicEvents, err)
	}
	if err := p.broker.Subscribe(calls.TopicSignals, p.consumeSignal); err != nil {
		return fmt.Errorf("subscribe %s: %w", calls.TopicSignals, err)
	}
	return nil
}

func (p *Pipeline) consumeDirect(ctx context.Context, key string, data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Dropping malformed direct message", "key", key, "error", err)
		return
	}
	n := p.pusher.PushUser(msg.ReceiverID, gateway.UserMessagesDestination(msg.ReceiverID), msg)
	p.deliveredCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", "direct")))
}

func (p *Pipeline) consumeGroup(ctx context.Context, key string, data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Dropping malformed group message", "key", key, "error", err)
		return
	}

	conversation, err := p.storage.FindConversation(ctx, msg.ConversationID)
	if err != nil {
		slog.Warn("Cannot resolve conversation for group fan-out", "conversation", msg.ConversationID, "error", err)
		return
	}

	destination := gateway.GroupDestination(msg.ConversationID)
	delivered := 0
	for _, member := range conversation.Participants {
		delivered += p.pusher.PushUser(member, destination, msg)
	}
	p.deliveredCounter.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("kind", "group")))
}

func (p *Pipeline) consumePresence(ctx context.Context, key string, data []byte) {
	var event presence.Event
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("Dropping malformed presence event", "key", key, "error", err)
		return
	}
	n := p.pusher.PushSubscribed(gateway.StatusDestination, event)
	p.deliveredCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", "presence")))
}

func (p *Pipeline) consumeCallEvent(ctx context.Context, key string, data []byte) {
	var event calls.Event
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Warn("Dropping malformed call event", "key", key, "error", err)
		return
	}
	n := p.pusher.PushUser(event.UserID, gateway.UserCallsDestination(event.UserID), event)
	p.deliveredCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", "call")))
}

func (p *Pipeline) consumeSignal(ctx context.Context, key string, data []byte) {
	var sig model.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		slog.Warn("Dropping malformed signal", "key", key, "error", err)
		return
	}
	n := p.pusher.PushUser(sig.To, gateway.UserSignalsDestination(sig.To), sig)
	p.deliveredCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", "signal")))
}
