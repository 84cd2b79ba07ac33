package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notification-gateway/internal/cache"
)

// ==================== 常量定义 ====================

const (
	defaultTTL = 24 * time.Hour

	keyStatusFormat    = "status_%s"
	keyUserIndexFormat = "user_%s_notifications"
)

// ErrCorruptRecord 缓存中的数据无法解析
var ErrCorruptRecord = errors.New("corrupt status record")

// ==================== 数据结构 ====================

// Store 状态记录与用户索引的存储
// 状态记录: status_{id} -> Record JSON
// 用户索引: user_{userID}_notifications -> ID 数组(按提交顺序)
type Store struct {
	cache  cache.Cache
	ttl    time.Duration
	logger logrus.FieldLogger
}

// ==================== 构造函数 ====================

// NewStore 创建状态存储
func NewStore(backend cache.Cache, ttl time.Duration, logger logrus.FieldLogger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Store{
		cache:  backend,
		ttl:    ttl,
		logger: logger,
	}
}

// TTL 返回记录存活时间
func (store *Store) TTL() time.Duration {
	return store.ttl
}

// ==================== 核心方法 ====================

// Save 覆盖写入状态记录
func (store *Store) Save(ctx context.Context, record Record) error {
	if record.NotificationID == "" {
		return ErrMissingNotificationID
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode status record: %w", err)
	}

	if err := store.cache.Set(ctx, StatusKey(record.NotificationID), encoded, store.ttl); err != nil {
		return err
	}

	store.logStatusSaved(record)
	return nil
}

// Get 读取状态记录,不存在时返回 nil, nil
func (store *Store) Get(ctx context.Context, notificationID string) (*Record, error) {
	if notificationID == "" {
		return nil, ErrMissingNotificationID
	}

	raw, found, err := store.cache.Get(ctx, StatusKey(notificationID))
	if err != nil || !found {
		return nil, err
	}

	return decodeRecord(raw)
}

// AppendToIndex 将通知ID追加到用户索引
// 读改写非原子,与状态写入并发执行时允许部分失败
// 同一用户的并发提交可能互相覆盖索引,丢失的ID只影响列表,记录本身仍可按ID查询
func (store *Store) AppendToIndex(ctx context.Context, userID, notificationID string) error {
	ids, err := store.Index(ctx, userID)
	if err != nil {
		return err
	}

	ids = append(ids, notificationID)

	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode user index: %w", err)
	}

	return store.cache.Set(ctx, UserIndexKey(userID), encoded, store.ttl)
}

// Index 返回用户的通知ID列表,不存在时返回空列表
func (store *Store) Index(ctx context.Context, userID string) ([]string, error) {
	raw, found, err := store.cache.Get(ctx, UserIndexKey(userID))
	if err != nil {
		return nil, err
	}
	if !found {
		return []string{}, nil
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: user index %s: %v", ErrCorruptRecord, userID, err)
	}
	return ids, nil
}

// ==================== 键构建 ====================

// StatusKey 状态记录键
func StatusKey(notificationID string) string {
	return fmt.Sprintf(keyStatusFormat, notificationID)
}

// UserIndexKey 用户索引键
func UserIndexKey(userID string) string {
	return fmt.Sprintf(keyUserIndexFormat, userID)
}

// ==================== 私有辅助方法 ====================

func decodeRecord(raw []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &record, nil
}

func (store *Store) logStatusSaved(record Record) {
	store.logger.WithFields(logrus.Fields{
		"notification_id": record.NotificationID,
		"status":          record.Status,
		"type":            record.Type,
	}).Debug("status saved")
}
