package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Incoming is one delivered event together with the channel it arrived on
// (message:delete payloads identify their conversation only by channel).
type Incoming struct {
	Channel string
	Event   Event
}

// Subscription is a live event feed. C is closed after Close or when the
// subscribe context ends.
type Subscription struct {
	C      <-chan Incoming
	pubsub *redis.PubSub
}

// Close tears the subscription down.
func (s *Subscription) Close() {
	_ = s.pubsub.Close()
}

// Bus is the pub/sub transport contract: at-least-once delivery, no ordering
// guarantee. Consumers merge idempotently by id to absorb duplicates.
type Bus interface {
	Publish(ctx context.Context, channel string, e Event) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
}

// RedisBus implements Bus on redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to redis.
func NewRedisBus(addr, password string) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisBus{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
	}, nil
}

// Client exposes the underlying connection so sibling concerns (rate
// limiting) can share it instead of dialing twice.
func (b *RedisBus) Client() *redis.Client { return b.client }

// Publish encodes and broadcasts one event.
func (b *RedisBus) Publish(ctx context.Context, channel string, e Event) error {
	raw, err := Encode(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a feed over the given channels. Malformed payloads are
// logged and dropped; they never reach consumers.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel required")
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Incoming, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			event, err := Decode([]byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping malformed event", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case out <- Incoming{Channel: msg.Channel, Event: event}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub}, nil
}
