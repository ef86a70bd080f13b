package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes session events to the chat:{session} channel the UI subscribes to.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: "chat:"}
}

func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

func (p *RedisPublisher) Send(ctx context.Context, notification Notification) error {
	if notification.SessionID == "" {
		return nil
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := p.client.Publish(ctx, p.Channel(notification.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe streams the notifications of one session until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, sessionID string) (<-chan Notification, error) {
	sub := p.client.Subscribe(ctx, p.Channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
