package notification

import (
	"encoding/json"
	"fmt"

	"notification-gateway/internal/directory"
	"notification-gateway/internal/payload"
	"notification-gateway/internal/queue"
	"notification-gateway/internal/status"
)

// ==================== 常量定义 ====================

const (
	emailJobPriority = 1

	defaultPushName = "User"
	defaultPushLink = "https://example.com"
)

// Job 按通知类型区分的任务载荷
type Job interface {
	RoutingKey() string
	isJob()
}

// EmailJob 发往 email.queue 的任务
type EmailJob struct {
	RequestID      string      `json:"request_id"`
	NotificationID string      `json:"notification_id"`
	Type           status.Type `json:"notification_type"`
	UserID         string      `json:"user_id"`
	Email          string      `json:"email"`
	TemplateCode   string      `json:"template_code"`
	Subject        string      `json:"subject"`
	Variables      payload.Map `json:"variables"`
	Priority       int         `json:"priority"`
	Metadata       payload.Map `json:"metadata"`
}

func (EmailJob) RoutingKey() string { return queue.RoutingKeyEmail }
func (EmailJob) isJob()             {}

// PushVariables push 任务的规范化变量
type PushVariables struct {
	Name string          `json:"name"`
	Link string          `json:"link"`
	Meta json.RawMessage `json:"meta"`
}

// PushJob 发往 push.queue 的任务
type PushJob struct {
	RequestID      string        `json:"request_id"`
	NotificationID string        `json:"notification_id"`
	Type           status.Type   `json:"notification_type"`
	UserID         string        `json:"user_id"`
	PushToken      string        `json:"push_token,omitempty"`
	TemplateCode   string        `json:"template_code"`
	Title          string        `json:"title"`
	Variables      PushVariables `json:"variables"`
	Priority       int           `json:"priority"`
	Metadata       payload.Map   `json:"metadata"`
}

func (PushJob) RoutingKey() string { return queue.RoutingKeyPush }
func (PushJob) isJob()             {}

// BuildJob 根据记录类型构建任务
func BuildJob(record status.Record, user directory.User, template directory.Template) (Job, error) {
	switch record.Type {
	case status.TypeEmail:
		return buildEmailJob(record, user, template), nil
	case status.TypePush:
		return buildPushJob(record, user, template), nil
	}
	return nil, fmt.Errorf("%w: %q", status.ErrInvalidType, record.Type)
}

func buildEmailJob(record status.Record, user directory.User, template directory.Template) EmailJob {
	email := record.Recipient
	if email == "" {
		email = user.Email
	}

	return EmailJob{
		RequestID:      record.RequestID,
		NotificationID: record.NotificationID,
		Type:           status.TypeEmail,
		UserID:         record.UserID,
		Email:          email,
		TemplateCode:   record.TemplateCode,
		Subject:        template.Subject,
		Variables:      record.Variables,
		Priority:       emailJobPriority,
		Metadata:       record.Metadata,
	}
}

func buildPushJob(record status.Record, user directory.User, template directory.Template) PushJob {
	return PushJob{
		RequestID:      record.RequestID,
		NotificationID: record.NotificationID,
		Type:           status.TypePush,
		UserID:         record.UserID,
		PushToken:      user.PushToken,
		TemplateCode:   record.TemplateCode,
		Title:          template.Subject,
		Variables:      normalizePushVariables(record.Variables),
		Priority:       record.Priority,
		Metadata:       record.Metadata,
	}
}

// normalizePushVariables 补齐 name / link / meta 默认值
func normalizePushVariables(variables payload.Map) PushVariables {
	normalized := PushVariables{
		Name: defaultPushName,
		Link: defaultPushLink,
		Meta: json.RawMessage(`{}`),
	}

	if name, ok := variables.String("name"); ok && name != "" {
		normalized.Name = name
	}
	if link, ok := variables.String("link"); ok && link != "" {
		normalized.Link = link
	}
	if meta, ok := variables.Raw("meta"); ok && isObject(meta) {
		normalized.Meta = meta
	}

	return normalized
}

func isObject(raw json.RawMessage) bool {
	var object map[string]json.RawMessage
	return json.Unmarshal(raw, &object) == nil && object != nil
}
