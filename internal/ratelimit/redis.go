package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketTTL outlives the minute it counts so a request admitted at second 59
// still sees the bucket while it runs.
const bucketTTL = 70

// admitScript checks the bucket against the threshold and increments it in
// one round trip so concurrent admissions cannot both squeeze past the bound.
// A non-positive threshold means unlimited: increment unconditionally.
var admitScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local threshold = tonumber(ARGV[1])
if threshold > 0 and count >= threshold then
    return {0, count}
end
count = redis.call('INCR', KEYS[1])
if redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return {1, count}
`)

// RedisCounter keeps rpm:{key_id}:{minute_bucket} counters in Redis so all
// gateway processes share one view of a key's spend rate.
type RedisCounter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(rdb redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb, now: time.Now}
}

func (c *RedisCounter) bucketKey(keyID string) string {
	return fmt.Sprintf("rpm:%s:%d", keyID, c.now().Unix()/60)
}

// Admit implements Counter.
func (c *RedisCounter) Admit(ctx context.Context, keyID string, threshold int) (bool, int, error) {
	val, err := admitScript.Run(ctx, c.rdb, []string{c.bucketKey(keyID)}, threshold, bucketTTL).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rpm admit script: %w", err)
	}
	res, ok := val.([]interface{})
	if !ok || len(res) != 2 {
		return false, 0, fmt.Errorf("rpm admit script: unexpected result %T", val)
	}
	admitted, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return admitted == 1, int(count), nil
}

// Observe implements Counter.
func (c *RedisCounter) Observe(ctx context.Context, keyID string) (int, error) {
	count, err := c.rdb.Get(ctx, c.bucketKey(keyID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rpm observe: %w", err)
	}
	return count, nil
}
