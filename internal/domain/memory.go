package domain

import (
	"context"
	"time"
)

// ConversationStore persists conversations and their finalized messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv Conversation) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, convID string, msg Message) error
	GetMessages(ctx context.Context, convID string, limit int) ([]Message, error)
	SetSuggestions(ctx context.Context, msgID string, questions []string) error
	MarkConfirmProcessed(ctx context.Context, msgID string) error

	Close() error
}

type Conversation struct {
	ID        string    `json:"id"`        // local uuid
	Key       string    `json:"key"`       // chat the conversation belongs to, e.g. "telegram:12345"
	RemoteID  string    `json:"remote_id"` // conversation_id assigned by the server
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
