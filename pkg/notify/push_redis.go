package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const pushChannelPrefix = "forfeit:push:"

// RedisPushChannel fans out consequence events over redis pub/sub so pushes
// reach sessions connected to any instance. Pub/sub is fire-and-forget,
// which matches the advisory contract exactly.
type RedisPushChannel struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPushChannel(client *redis.Client) *RedisPushChannel {
	return &RedisPushChannel{
		client: client,
		logger: slog.Default().With("component", "push"),
	}
}

func (c *RedisPushChannel) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal push event: %w", err)
	}
	if err := c.client.Publish(ctx, pushChannelPrefix+ev.OwnerID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish push event: %w", err)
	}
	return nil
}

func (c *RedisPushChannel) Subscribe(ctx context.Context, ownerID string) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, pushChannelPrefix+ownerID)
	// Force the subscription onto the wire before returning, so events
	// published after Subscribe are not silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe for owner %s: %w", ownerID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 16),
	}
	go sub.pump(c.logger)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	once   sync.Once
}

func (s *redisSubscription) pump(logger *slog.Logger) {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn("dropping malformed push event", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		default:
			// Advisory channel: drop rather than block the pump.
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
