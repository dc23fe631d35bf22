package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"chatcore/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "chat:signals"

// RedisBus fans envelopes out to every node subscribed to one Redis channel,
// including the publisher itself.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu       sync.RWMutex
	handlers []Handler
	ready    chan struct{}
	once     sync.Once
}

// NewRedisBus parses a redis:// URL.
func NewRedisBus(url, channel string) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opt), channel), nil
}

func NewRedisBusWithClient(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, ready: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	metrics.SignalsTotal.WithLabelValues(env.Kind).Inc()
	return nil
}

func (b *RedisBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Ready is closed once the channel subscription is confirmed.
func (b *RedisBus) Ready() <-chan struct{} { return b.ready }

func (b *RedisBus) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.once.Do(func() { close(b.ready) })
	log.Info().Str("channel", b.channel).Msg("signal bus subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Msg("drop malformed signal")
				continue
			}
			b.mu.RLock()
			hs := b.handlers
			b.mu.RUnlock()
			for _, h := range hs {
				h(env)
			}
		}
	}
}

func (b *RedisBus) Close() error { return b.client.Close() }
