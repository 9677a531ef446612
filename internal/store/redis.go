package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisDisabled = errors.New("redis not configured")

// Redis holds the client shared by the bulk queue and the withdrawal feed.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds a lazily connecting client. The read timeout stays above
// zero so BRPOP callers set their own block duration.
func NewRedis(addr string) *Redis {
	return &Redis{Client: redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: time.Second,
		PoolSize:     8,
	})}
}

// Ping reports why Redis is unreachable, if it is.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return ErrRedisDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Healthy(ctx context.Context) bool { return r.Ping(ctx) == nil }

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
