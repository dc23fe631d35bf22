// Package store persists users, conversations, memberships, messages and
// per-recipient delivery state. Every implementation enforces the write
// invariants itself; callers never need to compensate for partial writes.
package store

import (
	"context"
	"errors"
	"time"

	"chatcore/internal/models"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrNotParticipant = errors.New("store: not a participant")
)

// ConversationSummary is one row of a user's inbox.
type ConversationSummary struct {
	Conversation models.Conversation
	LastMessage  *models.Message
	UnreadCount  int64
}

type Store interface {
	// users
	UpsertUser(ctx context.Context, id, displayName string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]models.User, error)
	SetPresence(ctx context.Context, userID, status string, lastSeen *time.Time) error

	// conversations
	// CreateDirectConversation returns the existing direct conversation for
	// the unordered pair when there is one; created reports a new row.
	CreateDirectConversation(ctx context.Context, a, b string) (conv models.Conversation, created bool, err error)
	CreateGroupConversation(ctx context.Context, creatorID, name, description string, memberIDs []string) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)

	// membership
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (models.Participant, error)
	AddParticipant(ctx context.Context, conversationID, userID, role string) error
	// RemoveParticipant hard-deletes the edge and soft-deletes the
	// conversation once nobody is left in it.
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error)
	ConversationIDsOf(ctx context.Context, userID string) ([]string, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// messages
	// CreateMessage assigns ID and CreatedAt, then writes the message and one
	// queued DeliveryStatus per other participant in a single transaction.
	// It returns the recipient ids the rows were written for.
	CreateMessage(ctx context.Context, msg *models.Message) ([]string, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	// ListMessages returns non-deleted messages newest first, strictly older
	// than beforeID when it is set.
	ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error)
	EditMessage(ctx context.Context, id, content string, at time.Time) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (models.Message, error)

	// delivery
	// MarkDelivered flips queued to delivered and reports whether it did.
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error)
	GetDeliveryStatus(ctx context.Context, messageID, recipientID string) (models.DeliveryStatus, error)
	// ListQueued returns the messages still queued for userID in conversations
	// the user belongs to, oldest first.
	ListQueued(ctx context.Context, userID string) ([]models.Message, error)
}

// DirectKey is the order-independent identity of a direct conversation.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
