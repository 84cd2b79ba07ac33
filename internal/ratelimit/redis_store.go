package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 500 * time.Millisecond

// consumeScript 原子地累加计数,首次命中时设置窗口过期时间
// 返回 {累计值, 剩余毫秒}
var consumeScript = redis.NewScript(`
local current = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {current, ttl}
`)

// RedisStore 基于 Redis 的共享计数,多个网关实例共用同一配额
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	timeout   time.Duration
	now       func() time.Time
}

// NewRedisStore 创建 Redis 计数后端
func NewRedisStore(client redis.UniversalClient, keyPrefix string, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Consume 执行计数脚本
func (store *RedisStore) Consume(ctx context.Context, key string, points int, duration time.Duration) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()

	values, err := consumeScript.Run(ctx, store.client, []string{store.keyPrefix + key}, points, duration.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, values)
	}

	resetAt := store.now().Add(time.Duration(values[1]) * time.Millisecond)
	return int(values[0]), resetAt, nil
}

func (store *RedisStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()

	if err := store.client.Del(ctx, store.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
