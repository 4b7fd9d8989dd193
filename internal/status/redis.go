package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyStatus is the redis key holding the latest payload of an instance
const KeyStatus = "gridbot:status:%s"

// RedisPublisher mirrors the status artifact into redis with a TTL so a
// dead instance's entry expires.
type RedisPublisher struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisPublisher creates a publisher for instanceID
func NewRedisPublisher(client *redis.Client, instanceID string, ttl time.Duration) *RedisPublisher {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPublisher{client: client, key: fmt.Sprintf(KeyStatus, instanceID), ttl: ttl}
}

// Key returns the redis key written by Publish
func (p *RedisPublisher) Key() string {
	return p.key
}

// Publish stores the payload and notifies subscribers of the key
func (p *RedisPublisher) Publish(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.key, data, p.ttl)
	pipe.Publish(ctx, p.key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status: redis publish: %w", err)
	}
	return nil
}

// Fetch reads the latest payload of an instance
func Fetch(ctx context.Context, client *redis.Client, instanceID string) (Payload, error) {
	var p Payload
	data, err := client.Get(ctx, fmt.Sprintf(KeyStatus, instanceID)).Bytes()
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("status: parse redis payload: %w", err)
	}
	return p, nil
}
