package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notification-gateway/internal/payload"
)

// State 通知生命周期状态
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
	StateBounced    State = "bounced"
)

// Valid 判断状态取值是否合法
func (state State) Valid() bool {
	switch state {
	case StateQueued, StateProcessing, StateDelivered, StateFailed, StateBounced:
		return true
	}
	return false
}

// Type 通知类型
type Type string

const (
	TypeEmail Type = "email"
	TypePush  Type = "push"
)

// ParseType 解析通知类型
func ParseType(value string) (Type, error) {
	switch Type(value) {
	case TypeEmail, TypePush:
		return Type(value), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, value)
}

var (
	// ErrInvalidType 未知通知类型
	ErrInvalidType = errors.New("notification type must be email or push")

	// ErrInvalidState 未知状态
	ErrInvalidState = errors.New("invalid notification status")

	// ErrMissingNotificationID 回执缺少通知ID
	ErrMissingNotificationID = errors.New("notification id is required")
)

// Record 通知状态记录,每个通知ID对应一条
type Record struct {
	NotificationID string      `json:"notification_id"`
	Status         State       `json:"status"`
	Type           Type        `json:"notification_type"`
	UserID         string      `json:"user_id"`
	Recipient      string      `json:"recipient,omitempty"`
	TemplateCode   string      `json:"template_code"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	UpdatedAt      *time.Time  `json:"updated_at,omitempty"`
	RequestID      string      `json:"request_id"`
	Priority       int         `json:"priority"`
	Variables      payload.Map `json:"variables"`
	Metadata       payload.Map `json:"metadata"`
	Error          string      `json:"error,omitempty"`
}

// Apply 应用一次状态变更,其余字段保持不变
// 重复应用同一回执结果相同
func (record Record) Apply(update Update, now time.Time) Record {
	record.Status = update.Status

	updatedAt := now
	if update.Timestamp != nil {
		updatedAt = *update.Timestamp
	}
	updatedAt = updatedAt.UTC()
	record.UpdatedAt = &updatedAt

	if update.Error != "" {
		record.Error = update.Error
	}

	return record
}

// Update 下游 worker 上报的状态回执
type Update struct {
	NotificationID string     `json:"notification_id"`
	Status         State      `json:"status"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Validate 校验回执
func (update Update) Validate() error {
	if update.NotificationID == "" {
		return ErrMissingNotificationID
	}
	if !update.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, update.Status)
	}
	return nil
}

// UnmarshalJSON 同时兼容 notification_id 与 notificationId
func (update *Update) UnmarshalJSON(data []byte) error {
	var wire struct {
		NotificationID      string     `json:"notification_id"`
		NotificationIDCamel string     `json:"notificationId"`
		Status              State      `json:"status"`
		Timestamp           *time.Time `json:"timestamp"`
		Error               string     `json:"error"`
	}

	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*update = Update{
		NotificationID: wire.NotificationID,
		Status:         wire.Status,
		Timestamp:      wire.Timestamp,
		Error:          wire.Error,
	}
	if update.NotificationID == "" {
		update.NotificationID = wire.NotificationIDCamel
	}

	return nil
}
