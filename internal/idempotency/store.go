// Package idempotency 维护幂等键到首次提交结果的映射
// 同一幂等键在 TTL 内重复提交时直接返回缓存的状态记录,不再产生副作用
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notification-gateway/internal/cache"
	"notification-gateway/internal/status"
)

// ==================== 常量定义 ====================

const (
	keyPrefix  = "idempotency_"
	defaultTTL = 24 * time.Hour
)

// ==================== 错误定义 ====================

var (
	// ErrEmptyKey 幂等键为空
	ErrEmptyKey = errors.New("idempotency key cannot be empty")

	// ErrCorruptRecord 缓存内容无法解析
	ErrCorruptRecord = errors.New("corrupt idempotency record")
)

// ==================== 核心服务 ====================

// Store 基于缓存的幂等记录存储
// Claim 使用 SETNX 语义,已存在的键不会被后续请求覆盖
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStore 创建幂等存储
func NewStore(backend cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Store{
		cache: backend,
		ttl:   ttl,
	}
}

// Lookup 查询幂等键对应的记录,不存在时返回 nil, nil
func (store *Store) Lookup(ctx context.Context, key string) (*status.Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	raw, found, err := store.cache.Get(ctx, buildKey(key))
	if err != nil || !found {
		return nil, err
	}

	var record status.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	return &record, nil
}

// Claim 尝试占用幂等键并写入首次结果
// 返回 false 表示键已被其他请求占用
func (store *Store) Claim(ctx context.Context, key string, record status.Record) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}

	return store.cache.SetNX(ctx, buildKey(key), encoded, store.ttl)
}

// Release 删除幂等键,之后同一键的请求按新请求处理
func (store *Store) Release(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	return store.cache.Delete(ctx, buildKey(key))
}

// ==================== 私有方法 ====================

// buildKey 构建缓存键,格式: idempotency_{key}
func buildKey(key string) string {
	return keyPrefix + key
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
