package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	consumed int
	resetAt  time.Time
}

// MemoryStore 进程内计数
// 后台协程定期清理已过期的窗口
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// MemoryStoreOption 内存后端选项
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval 设置清理间隔,0 表示不启动清理协程
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(store *MemoryStore) {
		store.cleanupInterval = interval
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(store *MemoryStore) {
		store.now = now
	}
}

// NewMemoryStore 创建内存计数后端
func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	store := &MemoryStore{
		windows:         make(map[string]*window),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	for _, option := range options {
		option(store)
	}

	if store.cleanupInterval > 0 {
		go store.cleanup()
	}

	return store
}

// Consume 在当前窗口累加计数,窗口过期后重新开始
func (store *MemoryStore) Consume(ctx context.Context, key string, points int, duration time.Duration) (int, time.Time, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	current, exists := store.windows[key]

	if !exists || !now.Before(current.resetAt) {
		current = &window{resetAt: now.Add(duration)}
		store.windows[key] = current
	}

	current.consumed += points
	return current.consumed, current.resetAt, nil
}

func (store *MemoryStore) Reset(ctx context.Context, key string) error {
	store.mu.Lock()
	delete(store.windows, key)
	store.mu.Unlock()
	return nil
}

// Close 停止清理协程
func (store *MemoryStore) Close() {
	store.stopOnce.Do(func() {
		close(store.stopCleanup)
	})
}

func (store *MemoryStore) cleanup() {
	ticker := time.NewTicker(store.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			store.removeExpired()
		case <-store.stopCleanup:
			return
		}
	}
}

func (store *MemoryStore) removeExpired() {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	for key, current := range store.windows {
		if !now.Before(current.resetAt) {
			delete(store.windows, key)
		}
	}
}

func (store *MemoryStore) size() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.windows)
}
