package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and arms its expiry on the first
// increment, or when a previous expiry was lost. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounterStore keeps counters in Redis so limits hold across replicas
type RedisCounterStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisCounterStore creates a store on an existing client
func NewRedisCounterStore(client redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{client: client, now: time.Now}
}

// Incr atomically increments key
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (Counter, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("unexpected rate counter reply: %v", res)
	}

	return Counter{
		Count:   res[0],
		ResetAt: s.now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
