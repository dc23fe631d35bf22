// Package service is the messaging core: membership checks, message
// persistence and fan-out, the reconnect sweep, and presence/typing.
package service

import (
	"chatcore/internal/pubsub"
	"chatcore/internal/store"
)

// Core bundles the services that share one store, registry and signal bus.
type Core struct {
	Guard         *Guard
	Router        *Router
	Presence      *Presence
	Conversations *ConversationService
	Messages      *MessageService
}

type Options struct {
	MaxMessageLength int
}

func New(st store.Store, reg Registry, bus pubsub.Bus, opts Options) *Core {
	guard := NewGuard(st)
	router := NewRouter(st, reg)
	return &Core{
		Guard:         guard,
		Router:        router,
		Presence:      NewPresence(guard, reg, bus),
		Conversations: NewConversationService(guard, reg),
		Messages:      NewMessageService(guard, router, opts.MaxMessageLength),
	}
}
