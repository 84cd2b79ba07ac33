package httpapi

import (
	"github.com/gin-gonic/gin"

	"notification-gateway/internal/notification"
)

// Envelope 统一响应格式
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
	Error   string `json:"error,omitempty"`
}

// 默认成功信息
const messageSuccess = "Request successful"

// writeSuccess 写入成功响应
func writeSuccess(context *gin.Context, httpStatus int, message string, data any, meta any) {
	if message == "" {
		message = messageSuccess
	}

	context.JSON(httpStatus, Envelope{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    meta,
	})
}

// writeError 按错误分类写入失败响应并中断后续处理
func writeError(context *gin.Context, err error) {
	kind := notification.KindOf(err)
	_ = context.Error(err)

	envelope := Envelope{
		Success: false,
		Message: notification.MessageOf(err),
		Error:   kind.Code(),
	}
	if notificationID := notification.NotificationIDOf(err); notificationID != "" {
		envelope.Data = gin.H{"notification_id": notificationID}
	}

	context.AbortWithStatusJSON(kind.HTTPStatus(), envelope)
}

// writeFailure 写入不属于领域错误分类的失败响应,例如认证失败
func writeFailure(context *gin.Context, httpStatus int, message, code string, meta any) {
	context.AbortWithStatusJSON(httpStatus, Envelope{
		Success: false,
		Message: message,
		Meta:    meta,
		Error:   code,
	})
}
