package websocket

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"worktrack-collector/internal/models"
)

// RedisPublisher sends usage updates to the per-device Redis channel that
// every collector's Hub relays.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishUsage(ctx context.Context, update models.UsageUpdate) error {
	data, err := EncodeUsageUpdate(update)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, ChannelPrefix+update.DeviceID, data).Err(); err != nil {
		return fmt.Errorf("failed to publish usage update: %w", err)
	}
	return nil
}
