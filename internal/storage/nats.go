package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/chat-core/internal/model"
	"github.com/example/chat-core/pkg/otelhelper"
)

// wire reply envelope shared by all storage subjects.
type reply struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const notFoundError = "not found"

// defaultCacheTTL bounds how long a resolved conversation is reused before
// it is re-fetched. Group fan-out resolves the conversation on every
// delivered message, so cache hits are the hot path.
const defaultCacheTTL = 30 * time.Second

// transport issues one request/reply exchange and returns the raw reply.
type transport func(ctx context.Context, subject string, data []byte) ([]byte, error)

// NATSClient implements Client over NATS request/reply.
type NATSClient struct {
	send     transport
	cacheTTL time.Duration

	mu      sync.Mutex
	members map[string]memberEntry
}

type memberEntry struct {
	conversation model.Conversation
	fetchedAt    time.Time
}

// NewNATSClient builds a storage client on an existing connection.
func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	return newClient(func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		msg, err := otelhelper.TracedRequest(ctx, nc, subject, data, timeout)
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	}, defaultCacheTTL)
}

func newClient(send transport, cacheTTL time.Duration) *NATSClient {
	return &NATSClient{
		send:     send,
		cacheTTL: cacheTTL,
		members:  make(map[string]memberEntry),
	}
}

func (c *NATSClient) request(ctx context.Context, subject string, request any, result any) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", subject, err)
	}

	raw, err := c.send(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("storage request %s: %w", subject, err)
	}

	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if r.Error != "" {
		if r.Error == notFoundError {
			return fmt.Errorf("%w: %s", model.ErrNotFound, subject)
		}
		return fmt.Errorf("storage %s: %s", subject, r.Error)
	}
	if result != nil {
		if err := json.Unmarshal(r.Data, result); err != nil {
			return fmt.Errorf("decode %s data: %w", subject, err)
		}
	}
	return nil
}

func (c *NATSClient) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	var saved model.Message
	if err := c.request(ctx, SubjectSaveMessage, msg, &saved); err != nil {
		return model.Message{}, err
	}
	return saved, nil
}

func (c *NATSClient) MarkRead(ctx context.Context, conversationID, userID string) error {
	request := struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}{conversationID, userID}
	return c.request(ctx, SubjectMarkRead, request, nil)
}

// FindConversation serves from the short-lived cache when it can; a miss or
// a stale entry resolves the conversation from storage.
func (c *NATSClient) FindConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	if conversation, ok := c.cached(conversationID); ok {
		return conversation, nil
	}

	request := struct {
		ConversationID string `json:"conversationId"`
	}{conversationID}
	var conversation model.Conversation
	if err := c.request(ctx, SubjectFindConversation, request, &conversation); err != nil {
		return model.Conversation{}, err
	}
	c.remember(conversation)
	return conversation, nil
}

func (c *NATSClient) FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (model.Conversation, error) {
	request := struct {
		UserA string `json:"userA"`
		UserB string `json:"userB"`
	}{userA, userB}
	var conversation model.Conversation
	if err := c.request(ctx, SubjectDirectConversation, request, &conversation); err != nil {
		return model.Conversation{}, err
	}
	c.remember(conversation)
	return conversation, nil
}

// IsMember reports membership from the cached or freshly resolved
// conversation. Unknown conversations report false.
func (c *NATSClient) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	conversation, err := c.FindConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conversation.HasParticipant(userID), nil
}

func (c *NATSClient) cached(conversationID string) (model.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.members[conversationID]
	if !ok || time.Since(entry.fetchedAt) >= c.cacheTTL {
		return model.Conversation{}, false
	}
	return entry.conversation, true
}

func (c *NATSClient) remember(conversation model.Conversation) {
	c.mu.Lock()
	c.members[conversation.ID] = memberEntry{conversation: conversation, fetchedAt: time.Now()}
	c.mu.Unlock()
}
