package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventGuard is a fast-path memory of inbound events that were fully handled.
// Storage constraints stay authoritative; a guard failure only costs a re-check.
type EventGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// NoopEventGuard never remembers anything.
type NoopEventGuard struct{}

func (NoopEventGuard) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopEventGuard) Mark(context.Context, string) error         { return nil }

// RedisEventGuard stores processed markers with a TTL.
type RedisEventGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "lifecycle"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventGuard{client: client, prefix: trimmedPrefix + ":processed", ttl: ttl}
}

func (g *RedisEventGuard) key(k string) string {
	return g.prefix + ":" + k
}

func (g *RedisEventGuard) Seen(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	err := g.client.Get(ctx, g.key(key)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *RedisEventGuard) Mark(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return g.client.Set(ctx, g.key(key), "1", g.ttl).Err()
}
