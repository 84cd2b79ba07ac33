// Package httpapi 提供通知网关的 HTTP 接口
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notification-gateway/internal/notification"
	"notification-gateway/internal/payload"
	"notification-gateway/internal/status"
)

// ==================== 常量定义 ====================

const (
	maxRequestBodySize  = 1 << 20 // 1MB
	defaultPageLimit    = 10
	defaultMaxPageLimit = 100

	messageQueued = "Notification request accepted and queued"
)

// ==================== 服务接口 ====================

// Service 通知编排能力
// 解耦 HTTP 层与编排实现
type Service interface {
	Submit(ctx context.Context, request notification.Request, idempotencyKey string) (status.Record, error)
	GetStatus(ctx context.Context, notificationID string) (status.Record, error)
	ListByType(ctx context.Context, userID string, notificationType status.Type, page, limit int) ([]status.Record, notification.PageMeta, error)
	ApplyAcknowledgment(ctx context.Context, update status.Update) (status.Record, error)
	EmitStatusUpdate(ctx context.Context, update status.Update) (status.Update, error)
}

// ==================== Handler 处理器 ====================

// Handler 通知提交处理器
// 处理 POST /api/v1/notifications
type Handler struct {
	service Service
	logger  logrus.FieldLogger
}

// NewHandler 创建提交处理器
func NewHandler(service Service, logger logrus.FieldLogger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// submitRequest 提交请求体
type submitRequest struct {
	NotificationType string      `json:"notification_type" binding:"required,oneof=email push"`
	UserID           string      `json:"user_id" binding:"required"`
	Email            string      `json:"email" binding:"omitempty,email"`
	TemplateCode     string      `json:"template_code" binding:"required"`
	Variables        payload.Map `json:"variables"`
	RequestID        string      `json:"request_id"`
	Priority         int         `json:"priority" binding:"gte=0"`
	Metadata         payload.Map `json:"metadata"`
}

func (request submitRequest) toDomain() notification.Request {
	return notification.Request{
		Type:         status.Type(request.NotificationType),
		UserID:       request.UserID,
		Email:        request.Email,
		TemplateCode: request.TemplateCode,
		Variables:    request.Variables,
		RequestID:    request.RequestID,
		Priority:     request.Priority,
		Metadata:     request.Metadata,
	}
}

// Submit 提交通知,成功返回 202
func (handler *Handler) Submit(context *gin.Context) {
	context.Request.Body = http.MaxBytesReader(context.Writer, context.Request.Body, maxRequestBodySize)

	var request submitRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		writeError(context, invalidBody(err))
		return
	}

	idempotencyKey := resolveIdempotencyKey(context, request.RequestID)
	if request.RequestID == "" {
		request.RequestID = idempotencyKey
	}

	record, err := handler.service.Submit(context.Request.Context(), request.toDomain(), idempotencyKey)
	if err != nil {
		writeError(context, err)
		return
	}

	writeSuccess(context, http.StatusAccepted, messageQueued, record, nil)
}

// resolveIdempotencyKey 依次取 X-Request-Id、请求体 request_id,都没有时生成新ID
func resolveIdempotencyKey(context *gin.Context, bodyRequestID string) string {
	if key := strings.TrimSpace(context.GetHeader(HeaderRequestID)); key != "" {
		return key
	}
	if key := strings.TrimSpace(bodyRequestID); key != "" {
		return key
	}
	return uuid.NewString()
}

func invalidBody(err error) error {
	return notification.NewError(notification.KindValidation, "Invalid request body: "+err.Error(), err)
}
