package store

import (
	"context"
	"fmt"

	"log/slog"

	"chat-realtime/internal/database"
)

// SubscriberStore persists the subscriber set of each thread in Redis. Every
// mutation is written through before the caller sees success, so a reloaded
// topic actor can reconstruct its set exactly.
type SubscriberStore struct {
	client *database.RedisClient
}

func NewSubscriberStore(client *database.RedisClient) *SubscriberStore {
	return &SubscriberStore{client: client}
}

func subscribersKey(threadID string) string {
	return fmt.Sprintf("thread:%s:subscribers", threadID)
}

func (s *SubscriberStore) Add(ctx context.Context, threadID, userID string) error {
	if err := s.client.GetClient().SAdd(ctx, subscribersKey(threadID), userID).Err(); err != nil {
		slog.Error("Failed to persist subscriber", "threadID", threadID, "userID", userID, "error", err)
		return fmt.Errorf("persist subscriber: %w", err)
	}
	return nil
}

func (s *SubscriberStore) Remove(ctx context.Context, threadID, userID string) error {
	if err := s.client.GetClient().SRem(ctx, subscribersKey(threadID), userID).Err(); err != nil {
		slog.Error("Failed to remove subscriber", "threadID", threadID, "userID", userID, "error", err)
		return fmt.Errorf("remove subscriber: %w", err)
	}
	return nil
}

func (s *SubscriberStore) Members(ctx context.Context, threadID string) ([]string, error) {
	members, err := s.client.GetClient().SMembers(ctx, subscribersKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	return members, nil
}
