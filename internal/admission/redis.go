package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// takeScript runs the whole sliding-window-log decision server-side as one
// atomic unit: purge expired events, count, record the new event only when
// it fits, refresh the key TTL. Scores are unix milliseconds; members carry
// a uuid suffix so concurrent events in the same millisecond never collide.
//
// KEYS[1] window key
// ARGV[1] window start (ms), ARGV[2] limit, ARGV[3] cost,
// ARGV[4] now (ms), ARGV[5] member, ARGV[6] window (ms)
var takeScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local cost = tonumber(ARGV[3])
if cost > 0 and count + cost <= tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[4], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return count
`)

// RedisStore is a counting store over a shared Redis instance, one sorted
// set of event timestamps per window key.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a counting store on the given client.
// Both *redis.Client and *redis.ClusterClient satisfy redis.Scripter.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, now time.Time, window time.Duration, limit, cost int) (int, error) {
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	count, err := takeScript.Run(ctx, s.client,
		[]string{key},
		windowStart, limit, cost, nowMs, member, window.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("sliding window take for %q: %w", key, err)
	}
	return count, nil
}
