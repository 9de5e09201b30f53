package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementBucket counts one hit in the current window bucket. The expiry only
// garbage-collects old buckets; the window itself comes from the bucket key.
var incrementBucket = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

// RedisRateLimiter counts submissions per subject in fixed windows shared by
// every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	base := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if base == "" {
		base = "lifecycle"
	}
	return &RedisRateLimiter{client: client, prefix: base + ":submissions", now: time.Now}
}

// Allow consumes one slot for subject within scope and, when the slot is over the
// limit, says how many seconds remain until the window rolls over. A nil limiter,
// a non-positive limit or an empty subject always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 {
		return true, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}
	if window < time.Second {
		window = time.Second
	}

	now := r.now()
	bucket := now.UnixMilli() / window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, subject, bucket)

	hits, err := incrementBucket.Run(ctx, r.client, []string{key}, (2 * window).Milliseconds()).Int64()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit %s/%s: %w", scope, subject, err)
	}
	if hits <= int64(limit) {
		return true, 0, nil
	}

	windowEnd := time.UnixMilli((bucket + 1) * window.Milliseconds())
	retryAfter := int((windowEnd.Sub(now) + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
