package announce

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Seen is the set of announcement ids already posted.
type Seen interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// DefaultRedisKey holds the posted set when Redis backs it.
const DefaultRedisKey = "cssbot:posted_announcements"

// RedisSeen keeps the posted set in a Redis set, so several bot replicas
// share it.
type RedisSeen struct {
	client *redis.Client
	key    string
}

// NewRedisSeen connects to redisURL and checks the connection.
func NewRedisSeen(ctx context.Context, redisURL, key string) (*RedisSeen, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("announce: redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("announce: redis ping: %w", err)
	}
	return NewRedisSeenClient(client, key), nil
}

// NewRedisSeenClient wraps an existing client.
func NewRedisSeenClient(client *redis.Client, key string) *RedisSeen {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSeen{client: client, key: key}
}

func (r *RedisSeen) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("announce: redis seen: %w", err)
	}
	return ok, nil
}

func (r *RedisSeen) Mark(ctx context.Context, id string) error {
	if err := r.client.SAdd(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("announce: redis mark: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisSeen) Close() error {
	return r.client.Close()
}
