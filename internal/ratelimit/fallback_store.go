package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// FallbackStore 共享后端优先,失败时降级到本地后端
// 降级期间各实例分别计数,总配额可能放大到实例数倍
type FallbackStore struct {
	primary  Store
	fallback Store
	logger   logrus.FieldLogger
}

// NewFallbackStore 创建降级后端
func NewFallbackStore(primary, fallback Store, logger logrus.FieldLogger) *FallbackStore {
	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (store *FallbackStore) Consume(ctx context.Context, key string, points int, duration time.Duration) (int, time.Time, error) {
	consumed, resetAt, err := store.primary.Consume(ctx, key, points, duration)
	if err == nil {
		return consumed, resetAt, nil
	}

	store.logger.WithError(err).Warn("shared rate limit backend unavailable, degrading to local counter")
	return store.fallback.Consume(ctx, key, points, duration)
}

// Reset 同时清理两个后端
func (store *FallbackStore) Reset(ctx context.Context, key string) error {
	primaryErr := store.primary.Reset(ctx, key)
	if err := store.fallback.Reset(ctx, key); err != nil {
		return err
	}
	return primaryErr
}
