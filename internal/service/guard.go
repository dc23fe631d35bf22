package service

import (
	"context"

	"chatcore/internal/realtime"
	"chatcore/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry is the part of the connection registry the services need.
type Registry interface {
	ConnectionsOf(userID string) []realtime.Conn
	Subscribers(conversationID string) []realtime.Conn
	Subscribe(conversationID string, c realtime.Conn)
	Unsubscribe(conversationID string, c realtime.Conn)
	UnsubscribeUser(conversationID, userID string)
}

// Guard answers membership questions straight from the store. It never
// caches: a user who just left must stop receiving immediately.
type Guard struct {
	store store.Store
}

func NewGuard(st store.Store) *Guard { return &Guard{store: st} }

func (g *Guard) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := g.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, translate(err, "is participant", "conversation")
	}
	return ok, nil
}

// ParticipantsOf returns the user ids currently in the conversation.
func (g *Guard) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	parts, err := g.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, translate(err, "list participants", "conversation")
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

// Require fails closed: NOT_FOUND for a missing or deleted conversation,
// NOT_PARTICIPANT when userID is not in it.
func (g *Guard) Require(ctx context.Context, conversationID, userID string) error {
	if err := validConversationID(conversationID); err != nil {
		return err
	}
	if _, err := g.store.GetConversation(ctx, conversationID); err != nil {
		return translate(err, "get conversation", "conversation")
	}
	ok, err := g.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("conversation_id", conversationID).Str("user_id", userID).Msg("membership rejected")
		return ErrNotParticipant
	}
	return nil
}

func validConversationID(id string) error {
	if id == "" {
		return validationf("conversation_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return validationf("malformed conversation_id")
	}
	return nil
}
