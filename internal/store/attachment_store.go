package store

import (
	"context"
	"fmt"

	"log/slog"

	"chat-realtime/internal/database"

	"github.com/redis/go-redis/v9"
)

// MaxAttachmentSize bounds the per-session attachment payload. Anything a
// session needs across a suspension has to fit in here.
const MaxAttachmentSize = 2048

var ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)

// AttachmentStore persists the small per-session snapshot (joined threads)
// that survives connection suspension.
type AttachmentStore struct {
	client *database.RedisClient
}

func NewAttachmentStore(client *database.RedisClient) *AttachmentStore {
	return &AttachmentStore{client: client}
}

func attachmentKey(userID string) string {
	return fmt.Sprintf("session:%s:attachment", userID)
}

func (s *AttachmentStore) Put(ctx context.Context, userID string, data []byte) error {
	if len(data) > MaxAttachmentSize {
		return ErrAttachmentTooLarge
	}
	if err := s.client.GetClient().Set(ctx, attachmentKey(userID), data, 0).Err(); err != nil {
		slog.Error("Failed to persist session attachment", "userID", userID, "error", err)
		return fmt.Errorf("persist attachment: %w", err)
	}
	return nil
}

// Get returns the stored attachment, or (nil, nil) if none exists.
func (s *AttachmentStore) Get(ctx context.Context, userID string) ([]byte, error) {
	data, err := s.client.GetClient().Get(ctx, attachmentKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attachment: %w", err)
	}
	return data, nil
}
