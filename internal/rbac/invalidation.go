package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel carries cache invalidations between processes.
const DefaultInvalidationChannel = "rbac.invalidate"

type invalidation struct {
	Origin string `json:"origin"`
	UserID string `json:"user_id,omitempty"`
	All    bool   `json:"all,omitempty"`
}

// Broadcaster publishes cache invalidations on a Redis channel and applies the
// ones published by peers to a local DecisionCache.
type Broadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster constructs a Broadcaster. An empty channel uses DefaultInvalidationChannel.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

func (b *Broadcaster) publish(ctx context.Context, msg invalidation) error {
	if b == nil || b.client == nil {
		return nil
	}
	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rbac: encode invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// PublishUser announces that the decisions of userID are stale.
func (b *Broadcaster) PublishUser(ctx context.Context, userID string) error {
	return b.publish(ctx, invalidation{UserID: userID})
}

// PublishAll announces that every decision is stale.
func (b *Broadcaster) PublishAll(ctx context.Context) error {
	return b.publish(ctx, invalidation{All: true})
}

// Listen subscribes to the channel and applies peer invalidations to cache
// until ctx is cancelled. Messages this Broadcaster published are ignored.
// The subscription is confirmed before Listen returns.
func (b *Broadcaster) Listen(ctx context.Context, cache *DecisionCache) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe %s: %w", b.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(cache, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) apply(cache *DecisionCache, payload string) {
	var msg invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("rbac invalidation payload", slog.String("payload", payload), slog.Any("error", err))
		return
	}
	if msg.Origin == b.origin {
		return
	}
	switch {
	case msg.All:
		cache.InvalidateAll()
	case msg.UserID != "":
		cache.InvalidateUser(msg.UserID)
	}
}
