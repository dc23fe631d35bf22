package service

import (
	"context"
	"time"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/realtime"
	"chatcore/internal/store"

	"github.com/rs/zerolog/log"
)

// Router fans persisted messages out to live connections and records the
// per-recipient outcome. It also runs the reconnect sweep.
type Router struct {
	store store.Store
	reg   Registry
	now   func() time.Time
}

func NewRouter(st store.Store, reg Registry) *Router {
	return &Router{store: st, reg: reg, now: func() time.Time { return time.Now().UTC() }}
}

// Route pushes msg to every live connection of every recipient. A recipient
// reached on at least one connection is marked delivered; the rest stay
// queued for the sweep. Push failures never surface to the sender.
func (r *Router) Route(ctx context.Context, msg models.Message, recipients []string, clientID string) MessageDTO {
	dto := toMessageDTO(msg, r.senderSummary(ctx, msg.SenderID))
	frame := encode(NewMessageEvent{Type: EventNewMessage, Message: dto})

	var updates []DeliveryStatusEvent
	for _, rid := range recipients {
		if pushAll(r.reg.ConnectionsOf(rid), frame) == 0 {
			metrics.DeliveriesTotal.WithLabelValues(models.DeliveryQueued).Inc()
			continue
		}
		at := r.now()
		ok, err := r.store.MarkDelivered(ctx, msg.ID, rid, at)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Str("recipient_id", rid).Msg("mark delivered")
			continue
		}
		if ok {
			metrics.DeliveriesTotal.WithLabelValues(models.DeliveryDelivered).Inc()
			updates = append(updates, DeliveryStatusEvent{
				Type: EventDeliveryStatus, MessageID: msg.ID, ConversationID: msg.ConversationID,
				RecipientID: rid, State: models.DeliveryDelivered, DeliveredAt: &at,
			})
		}
	}

	senderConns := r.reg.ConnectionsOf(msg.SenderID)
	pushAll(senderConns, encode(AckEvent{
		Type: EventMessageAck, ClientID: clientID, MessageID: msg.ID,
		ConversationID: msg.ConversationID, CreatedAt: msg.CreatedAt,
	}))
	for _, u := range updates {
		pushAll(senderConns, encode(u))
	}
	return dto
}

// Broadcast pushes frame to the live connections of every current
// participant. Used for edits and deletes, which carry no delivery state.
func (r *Router) Broadcast(ctx context.Context, conversationID string, frame []byte) {
	parts, err := r.store.ListParticipants(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("broadcast participants")
		return
	}
	for _, p := range parts {
		pushAll(r.reg.ConnectionsOf(p.UserID), frame)
	}
}

func (r *Router) senderSummary(ctx context.Context, userID string) *UserSummary {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return &UserSummary{ID: userID}
	}
	return &UserSummary{ID: u.ID, DisplayName: u.DisplayName}
}

// pushAll sends frame to every connection independently and returns how
// many accepted it.
func pushAll(conns []realtime.Conn, frame []byte) int {
	if frame == nil {
		return 0
	}
	n := 0
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID()).Str("user_id", c.UserID()).Msg("push failed")
			continue
		}
		n++
	}
	return n
}
