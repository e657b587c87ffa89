package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes payloads to Redis pub/sub channels, one
// channel per topic. Useful when observers live outside this process.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

// NewRedisPublisher creates a publisher over an existing Redis client
func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish sends the payload as JSON on the topic's channel
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, topic, data).Err()
}

// Close releases the underlying client
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
