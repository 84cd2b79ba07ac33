package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (entry memoryEntry) expired(now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}

// MemoryCache 进程内缓存,用于本地运行和测试
// 过期键在读取时惰性删除
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock 替换时间源
func (cache *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	cache.now = now
	return cache
}

func (cache *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	cache.mu.RLock()
	entry, ok := cache.entries[key]
	cache.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if entry.expired(cache.now()) {
		cache.mu.Lock()
		if current, still := cache.entries[key]; still && current.expired(cache.now()) {
			delete(cache.entries, key)
		}
		cache.mu.Unlock()
		return nil, false, nil
	}

	return copyBytes(entry.value), true, nil
}

func (cache *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cache.mu.Lock()
	cache.entries[key] = cache.newEntry(value, ttl)
	cache.mu.Unlock()

	return nil
}

func (cache *MemoryCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if entry, ok := cache.entries[key]; ok && !entry.expired(cache.now()) {
		return false, nil
	}

	cache.entries[key] = cache.newEntry(value, ttl)
	return true, nil
}

func (cache *MemoryCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cache.mu.Lock()
	delete(cache.entries, key)
	cache.mu.Unlock()

	return nil
}

func (cache *MemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (cache *MemoryCache) newEntry(value []byte, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: copyBytes(value)}
	if ttl > 0 {
		entry.expiresAt = cache.now().Add(ttl)
	}
	return entry
}

func copyBytes(value []byte) []byte {
	return append([]byte(nil), value...)
}
