// Package store persists conversations, their event journals, and feedback.
package store

import (
	"context"

	"github.com/relaydev/relay/internal/conversation/models"
)

// ListOptions filters a conversation listing.
type ListOptions struct {
	Status     models.ConversationStatus
	Repository string
	// Query is a free-text match against the conversation title.
	Query  string
	Limit  int
	Offset int
}

// Store defines conversation storage operations. SaveConversation uses
// optimistic concurrency: it matches the record's stored version and raises
// a Conflict error on stale writes.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error)

	// AppendEvents appends journal entries. Entries with a zero ID are
	// assigned the next identifier in journal order.
	AppendEvents(ctx context.Context, conversationID string, events []*models.Event) error
	// GetEvents pages the persisted journal with the same cursor contract
	// as the runtime gateway.
	GetEvents(ctx context.Context, conversationID string, startID int64, reverse bool, limit int) ([]*models.Event, bool, error)

	AppendFeedback(ctx context.Context, entry *models.FeedbackEntry) error

	Close() error
}
