package store

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"chat-realtime/internal/database"
)

// Presence tracks which users currently hold a live connection. Flipped by
// the serving process on connect/disconnect; read by the debug surface.
type Presence struct {
	client *database.RedisClient
}

func NewPresence(client *database.RedisClient) *Presence {
	return &Presence{client: client}
}

func statusKey(userID string) string {
	return fmt.Sprintf("user:%s:status", userID)
}

func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	pipe := p.client.GetClient().Pipeline()
	pipe.SAdd(ctx, "online_users", userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":    "online",
		"last_seen": time.Now().Unix(),
	})
	pipe.Expire(ctx, statusKey(userID), 5*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to set user online", "userID", userID, "error", err)
		return err
	}
	return nil
}

func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	pipe := p.client.GetClient().Pipeline()
	pipe.SRem(ctx, "online_users", userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":    "offline",
		"last_seen": time.Now().Unix(),
	})
	pipe.Expire(ctx, statusKey(userID), 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to set user offline", "userID", userID, "error", err)
		return err
	}
	return nil
}

func (p *Presence) OnlineUsers(ctx context.Context) ([]string, error) {
	return p.client.GetClient().SMembers(ctx, "online_users").Result()
}
