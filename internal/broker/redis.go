package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"consult-chat/internal/config"
	"consult-chat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

type redisFrame struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// Redis publishes every room frame on one Pub/Sub channel; each instance
// delivers to its local members.
type Redis struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, channel: cfg.Channel}, nil
}

func (r *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	data, err := json.Marshal(redisFrame{Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return fmt.Errorf("already subscribed to %s", r.channel)
	}

	pubsub := r.client.Subscribe(ctx, r.channel)
	// Wait for the subscription so frames published right after are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.pubsub = pubsub

	go r.processMessages(ctx, pubsub, handler)
	return nil
}

func (r *Redis) processMessages(ctx context.Context, pubsub *redis.PubSub, handler Handler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var f redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				logger.Error("Dropping malformed broker frame: %v", err)
				continue
			}
			handler(f.Room, f.Frame)
		}
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		r.pubsub.Close()
		r.pubsub = nil
	}
	return r.client.Close()
}
