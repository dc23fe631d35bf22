// Package pubsub relays ephemeral signals (typing, presence) between nodes.
// Nothing sent through it is persisted.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"chatcore/internal/metrics"
)

const (
	KindTyping   = "typing"
	KindPresence = "presence"
)

// Envelope carries a ready-to-send client event and who may see it.
// ConversationID is set when only connections joined to that conversation
// should receive the payload.
type Envelope struct {
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Recipients     []string        `json:"recipients"`
	Payload        json.RawMessage `json:"payload"`
}

type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h for every envelope the bus delivers. Call it
	// before Run.
	Subscribe(h Handler)
	// Run delivers envelopes until ctx is done.
	Run(ctx context.Context) error
}

// LocalBus delivers synchronously inside the process. It is the default
// when no Redis URL is configured.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	metrics.SignalsTotal.WithLabelValues(env.Kind).Inc()
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *LocalBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
