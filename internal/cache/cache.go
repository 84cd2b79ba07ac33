// Package cache 提供带 TTL 的键值缓存
// 幂等记录、状态记录和用户索引都存放在这里,后端可选 Redis 或进程内存
package cache

import (
	"context"
	"errors"
	"time"
)

// ==================== 错误定义 ====================

var (
	// ErrUnavailable 后端不可达或操作超时
	ErrUnavailable = errors.New("cache unavailable")

	// ErrEmptyKey 键为空
	ErrEmptyKey = errors.New("cache key cannot be empty")
)

// ==================== 接口定义 ====================

// Cache 键值缓存接口
// 不提供事务,多键写入由调用方自行容忍部分失败
type Cache interface {
	// Get 读取键,不存在时返回 found=false 且 err=nil
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set 写入键,ttl<=0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX 仅当键不存在时写入,返回是否写入成功
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete 删除键,键不存在不视为错误
	Delete(ctx context.Context, key string) error
	// Ping 检查后端可用性
	Ping(ctx context.Context) error
}
