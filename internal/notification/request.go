package notification

import (
	"strings"

	"notification-gateway/internal/payload"
	"notification-gateway/internal/status"
)

// Request 一次通知提交
type Request struct {
	Type         status.Type
	UserID       string
	Email        string
	TemplateCode string
	Variables    payload.Map
	RequestID    string
	Priority     int
	Metadata     payload.Map
}

// Validate 校验必填字段
func (request Request) Validate() error {
	if _, err := status.ParseType(string(request.Type)); err != nil {
		return NewError(KindValidation, "notification_type must be one of: email, push", err)
	}
	if strings.TrimSpace(request.UserID) == "" {
		return NewError(KindValidation, "user_id is required", nil)
	}
	if strings.TrimSpace(request.TemplateCode) == "" {
		return NewError(KindValidation, "template_code is required", nil)
	}
	if request.Priority < 0 {
		return NewError(KindValidation, "priority must not be negative", nil)
	}
	return nil
}
