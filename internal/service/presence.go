package service

import (
	"context"
	"time"

	"chatcore/internal/models"
	"chatcore/internal/pubsub"
	"chatcore/internal/store"

	"github.com/rs/zerolog/log"
)

// Presence propagates online/offline and typing signals. Nothing it sends is
// persisted as a message or replayed by the sweep.
type Presence struct {
	store store.Store
	guard *Guard
	reg   Registry
	bus   pubsub.Bus
	now   func() time.Time
}

func NewPresence(guard *Guard, reg Registry, bus pubsub.Bus) *Presence {
	p := &Presence{store: guard.store, guard: guard, reg: reg, bus: bus, now: func() time.Time { return time.Now().UTC() }}
	bus.Subscribe(p.Deliver)
	return p
}

// Online marks userID online and tells everyone sharing a conversation.
// Call it for the user's first live connection only.
func (p *Presence) Online(ctx context.Context, userID string) error {
	if err := p.store.SetPresence(ctx, userID, models.PresenceOnline, nil); err != nil {
		return translate(err, "set presence", "user")
	}
	return p.announce(ctx, userID, PresenceEvent{Type: EventPresence, UserID: userID, Status: models.PresenceOnline})
}

// Offline records last-seen and announces it. Call it when the user's last
// live connection closes.
func (p *Presence) Offline(ctx context.Context, userID string) error {
	seen := p.now()
	if err := p.store.SetPresence(ctx, userID, models.PresenceOffline, &seen); err != nil {
		return translate(err, "set presence", "user")
	}
	return p.announce(ctx, userID, PresenceEvent{Type: EventPresence, UserID: userID, Status: models.PresenceOffline, LastSeen: &seen})
}

func (p *Presence) announce(ctx context.Context, userID string, evt PresenceEvent) error {
	peers, err := p.peersOf(ctx, userID)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}
	return p.publish(ctx, pubsub.Envelope{Kind: pubsub.KindPresence, Recipients: peers, Payload: encode(evt)})
}

// peersOf returns every other user sharing at least one conversation with userID.
func (p *Presence) peersOf(ctx context.Context, userID string) ([]string, error) {
	convs, err := p.store.ConversationIDsOf(ctx, userID)
	if err != nil {
		return nil, translate(err, "conversations of", "user")
	}
	seen := map[string]bool{userID: true}
	var peers []string
	for _, cid := range convs {
		ids, err := p.guard.ParticipantsOf(ctx, cid)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				peers = append(peers, id)
			}
		}
	}
	return peers, nil
}

// Typing relays a typing start/stop to the other participants currently
// joined to the conversation.
func (p *Presence) Typing(ctx context.Context, userID, conversationID string, isTyping bool) error {
	if err := p.guard.Require(ctx, conversationID, userID); err != nil {
		return err
	}
	ids, err := p.guard.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return err
	}
	recipients := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	evt := TypingEvent{Type: EventTyping, ConversationID: conversationID, UserID: userID, IsTyping: isTyping}
	return p.publish(ctx, pubsub.Envelope{
		Kind: pubsub.KindTyping, ConversationID: conversationID, Recipients: recipients, Payload: encode(evt),
	})
}

func (p *Presence) publish(ctx context.Context, env pubsub.Envelope) error {
	if err := p.bus.Publish(ctx, env); err != nil {
		log.Warn().Err(err).Str("kind", env.Kind).Msg("publish signal")
		return translate(err, "publish signal", "")
	}
	return nil
}

// Deliver hands an envelope from the bus to this node's connections. Typing
// only reaches connections joined to the conversation.
func (p *Presence) Deliver(env pubsub.Envelope) {
	allowed := make(map[string]bool, len(env.Recipients))
	for _, id := range env.Recipients {
		allowed[id] = true
	}
	switch env.Kind {
	case pubsub.KindTyping:
		for _, c := range p.reg.Subscribers(env.ConversationID) {
			if allowed[c.UserID()] {
				_ = c.Send(env.Payload)
			}
		}
	case pubsub.KindPresence:
		for _, id := range env.Recipients {
			pushAll(p.reg.ConnectionsOf(id), env.Payload)
		}
	default:
		log.Debug().Str("kind", env.Kind).Msg("unknown signal kind")
	}
}
