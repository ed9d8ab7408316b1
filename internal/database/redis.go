package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients holds the two Redis connections the backend uses: one for the
// job queues (reconcile + insights) and one dedicated to pub/sub, so blocking
// queue pops never starve notification delivery.
type RedisClients struct {
	Queue  *redis.Client
	PubSub *redis.Client
}

func NewRedisClients(redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clients := &RedisClients{}
	for _, c := range []struct {
		name   string
		target **redis.Client
	}{
		{"queue", &clients.Queue},
		{"pubsub", &clients.PubSub},
	} {
		connOpt := *opt
		client := redis.NewClient(&connOpt)
		if err := client.Ping(ctx).Err(); err != nil {
			clients.Close()
			return nil, fmt.Errorf("failed to ping Redis (%s): %w", c.name, err)
		}
		*c.target = client
	}

	return clients, nil
}

func (r *RedisClients) Close() {
	if r.Queue != nil {
		r.Queue.Close()
	}
	if r.PubSub != nil {
		r.PubSub.Close()
	}
}
