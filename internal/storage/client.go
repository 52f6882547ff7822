// Package storage talks to the external persistence service over broker
// request/reply. This process never opens a database connection; it only
// asks the storage owner to save and resolve chat entities.
package storage

import (
	"context"

	"github.com/example/chat-core/internal/model"
)

// Request/reply subjects owned by the storage service.
const (
	SubjectSaveMessage        = "storage.messages.save"
	SubjectMarkRead           = "storage.messages.markRead"
	SubjectFindConversation   = "storage.conversations.find"
	SubjectDirectConversation = "storage.conversations.direct"
)

// Client resolves and persists chat entities.
type Client interface {
	// SaveMessage persists a message and returns it with storage-assigned
	// fields filled in.
	SaveMessage(ctx context.Context, msg model.Message) (model.Message, error)

	// MarkRead flips every message in the conversation addressed to userID
	// to READ.
	MarkRead(ctx context.Context, conversationID, userID string) error

	// FindConversation resolves a conversation by id, or model.ErrNotFound.
	FindConversation(ctx context.Context, conversationID string) (model.Conversation, error)

	// FindOrCreateDirectConversation returns the direct conversation between
	// two users, creating it on first contact.
	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (model.Conversation, error)

	// IsMember reports whether userID participates in the conversation.
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}
