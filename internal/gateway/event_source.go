package gateway

import (
	"context"
	"fmt"

	"chat-realtime/internal/database"
)

// RedisEventSource adapts Redis pub/sub as the gateway's upstream. Each
// thread maps to one channel; one Subscribe call is one real subscription.
type RedisEventSource struct {
	client *database.RedisClient
}

func NewRedisEventSource(client *database.RedisClient) *RedisEventSource {
	return &RedisEventSource{client: client}
}

func eventsChannel(threadID string) string {
	return fmt.Sprintf("thread:%s:events", threadID)
}

func (s *RedisEventSource) Subscribe(ctx context.Context, threadID string, handler func(payload []byte)) (Subscription, error) {
	pubsub := s.client.GetClient().Subscribe(ctx, eventsChannel(threadID))

	// Confirm the subscription before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", eventsChannel(threadID), err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return pubsub, nil
}

// Publish pushes an event to a thread's channel. The message pipeline uses
// this to feed gateways on other instances.
func (s *RedisEventSource) Publish(ctx context.Context, threadID string, payload []byte) error {
	return s.client.GetClient().Publish(ctx, eventsChannel(threadID), payload).Err()
}
