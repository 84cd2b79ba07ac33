package notification

import (
	"errors"
	"net/http"
)

// Kind 错误分类,决定 HTTP 状态码与错误码
type Kind int

const (
	KindInternal Kind = iota
	KindRateLimited
	KindValidation
	KindNotFound
	KindUpstreamUnavailable
)

// 对外暴露的通用错误信息
const (
	MessageInternal       = "Failed to process notification request"
	MessageStatusNotFound = "Notification status not found"
	MessageRecordNotFound = "Notification not found"
	MessageEmailDisabled  = "User has disabled email notifications"
	MessagePushDisabled   = "User has disabled push notifications"
	MessageUserNotFound   = "User service unavailable or user not found"
	MessageTemplateAbsent = "Template service unavailable or template not found"
	MessageBrokerRejected = "Message broker did not accept the notification job"
	MessageBrokerFailed   = "Message broker unavailable"
	MessageCacheFailed    = "Notification store unavailable"
	MessageEmitFailed     = "Failed to emit status update"
	MessageDuplicateBusy  = "A request with the same idempotency key is in progress"
)

func (kind Kind) String() string {
	switch kind {
	case KindRateLimited:
		return "RateLimited"
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	default:
		return "Internal"
	}
}

// HTTPStatus 映射到 HTTP 状态码
func (kind Kind) HTTPStatus() int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code 机器可读的错误码
func (kind Kind) Code() string {
	switch kind {
	case KindRateLimited:
		return "RATE_LIMIT_EXCEEDED"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// Error 带分类的领域错误
// Message 面向调用方,Err 保留底层原因只用于日志
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// NotificationID 提交被拒绝时已标记为 failed 的记录ID
	NotificationID string
}

// NewError 创建领域错误
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误分类,未分类错误视为 Internal
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// NotificationIDOf 返回错误携带的通知ID,没有时为空
func NotificationIDOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.NotificationID
	}
	return ""
}

// MessageOf 返回可以展示给调用方的信息,内部错误不暴露细节
func MessageOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Kind != KindInternal && domainErr.Message != "" {
		return domainErr.Message
	}
	return MessageInternal
}
