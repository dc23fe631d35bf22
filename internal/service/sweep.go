package service

import (
	"context"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/realtime"

	"github.com/rs/zerolog/log"
)

// Sweep replays everything still queued for userID to c, oldest first. Each
// frame is pushed with SendWait, so a backlog larger than the connection's
// buffer is paced by the writer instead of dropping the connection, and a
// row flips to delivered only after its frame reached the socket. It stops
// when the connection closes or ctx ends; what is left stays queued for the
// next connection. It returns the number of rows this call moved to
// delivered.
func (r *Router) Sweep(ctx context.Context, userID string, c realtime.Conn) (int, error) {
	msgs, err := r.store.ListQueued(ctx, userID)
	if err != nil {
		return 0, translate(err, "list queued", "user")
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.SenderID)
	}
	users, err := r.store.GetUsers(ctx, senders)
	if err != nil {
		return 0, translate(err, "get users", "user")
	}

	delivered := 0
	for _, m := range msgs {
		var sender *UserSummary
		if u, ok := users[m.SenderID]; ok {
			sender = &UserSummary{ID: u.ID, DisplayName: u.DisplayName}
		}
		frame := encode(NewMessageEvent{Type: EventNewMessage, Message: toMessageDTO(m, sender)})
		if err := c.SendWait(ctx, frame); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Str("message_id", m.ID).Msg("sweep push")
			break
		}
		at := r.now()
		ok, err := r.store.MarkDelivered(ctx, m.ID, userID, at)
		if err != nil {
			return delivered, translate(err, "mark delivered", "message")
		}
		if !ok {
			// a concurrent route or sweep already flipped it
			continue
		}
		delivered++
		metrics.SweepDeliveredTotal.Inc()
		pushAll(r.reg.ConnectionsOf(m.SenderID), encode(DeliveryStatusEvent{
			Type: EventDeliveryStatus, MessageID: m.ID, ConversationID: m.ConversationID,
			RecipientID: userID, State: models.DeliveryDelivered, DeliveredAt: &at,
		}))
	}
	if delivered > 0 {
		log.Info().Str("user_id", userID).Int("delivered", delivered).Int("queued", len(msgs)).Msg("sweep")
	}
	return delivered, nil
}
