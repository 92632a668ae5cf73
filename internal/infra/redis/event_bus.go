package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"majority-vote-service/internal/domain"
)

const eventPattern = "room:*:events"

// EventBus relays room events between service instances over Redis pub/sub.
// Each instance tags what it publishes with its origin ID and ignores its own
// messages, since local subscribers were already served in-process.
type EventBus struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

func NewEventBus(client *redis.Client, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{client: client, origin: uuid.NewString(), logger: logger}
}

// Origin identifies this instance on the bus.
func (b *EventBus) Origin() string { return b.origin }

// Publish implements app.EventPublisher.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, channel(event.RoomID), data).Err()
}

// Listener is a confirmed subscription to every room's events.
type Listener struct {
	bus    *EventBus
	pubsub *redis.PubSub
}

// Listen subscribes and waits for Redis to confirm, so events published after
// it returns are not missed.
func (b *EventBus) Listen(ctx context.Context) (*Listener, error) {
	pubsub := b.client.PSubscribe(ctx, eventPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", eventPattern, err)
	}
	return &Listener{bus: b, pubsub: pubsub}, nil
}

// Run hands every foreign event to deliver until ctx is done.
func (l *Listener) Run(ctx context.Context, deliver func(domain.Event)) error {
	defer l.pubsub.Close()
	ch := l.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				l.bus.logger.Warn("drop malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == l.bus.origin {
				continue
			}
			deliver(env.Event)
		}
	}
}

func channel(roomID string) string {
	return "room:" + roomID + ":events"
}
