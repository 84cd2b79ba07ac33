package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOperationTimeout = 2 * time.Second
	defaultRetryInterval    = 500 * time.Millisecond
)

var (
	// ErrInvalidURL Redis 连接串解析失败
	ErrInvalidURL = errors.New("failed to parse redis connection string")

	// ErrNotReady 重试后仍无法连接
	ErrNotReady = errors.New("redis did not become ready")
)

// RedisCache 基于 Redis 的缓存实现
// 每次操作都有独立的超时,超时与网络错误统一包装为 ErrUnavailable
type RedisCache struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisCache 创建 Redis 缓存
func NewRedisCache(client redis.UniversalClient, timeout time.Duration) *RedisCache {
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}

	return &RedisCache{
		client:  client,
		timeout: timeout,
	}
}

// Connect 解析连接串并带重试地建立连接
func Connect(ctx context.Context, url string, attempts int) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}

	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		client := redis.NewClient(options)

		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(defaultRetryInterval):
		}
	}

	return nil, errors.Join(ErrNotReady, lastErr)
}

// Healthcheck 返回 Redis 健康检查函数
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
}

// ==================== 核心方法 ====================

// Get 读取键
func (cache *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	ctx, cancel := cache.withTimeout(ctx)
	defer cancel()

	value, err := cache.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cache.wrap("get", key, err)
	}

	return value, true, nil
}

// Set 写入键
func (cache *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	ctx, cancel := cache.withTimeout(ctx)
	defer cancel()

	if err := cache.client.Set(ctx, key, value, normalizeTTL(ttl)).Err(); err != nil {
		return cache.wrap("set", key, err)
	}
	return nil
}

// SetNX 仅当键不存在时写入
func (cache *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	ctx, cancel := cache.withTimeout(ctx)
	defer cancel()

	stored, err := cache.client.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, cache.wrap("setnx", key, err)
	}
	return stored, nil
}

// Delete 删除键
func (cache *RedisCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	ctx, cancel := cache.withTimeout(ctx)
	defer cancel()

	if err := cache.client.Del(ctx, key).Err(); err != nil {
		return cache.wrap("del", key, err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (cache *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := cache.withTimeout(ctx)
	defer cancel()

	return Healthcheck(cache.client)(ctx)
}

// ==================== 私有辅助方法 ====================

func (cache *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cache.timeout)
}

func (cache *RedisCache) wrap(operation, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %v", ErrUnavailable, operation, key, err)
}

// normalizeTTL go-redis 中 0 表示不过期,负值会被当作 KEEPTTL
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
