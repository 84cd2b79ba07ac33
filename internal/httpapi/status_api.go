package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notification-gateway/internal/notification"
	"notification-gateway/internal/status"
)

// ==================== Status Handler ====================

// StatusHandler 状态查询与回执处理器
type StatusHandler struct {
	service      Service
	logger       logrus.FieldLogger
	defaultLimit int
	maxLimit     int
}

// NewStatusHandler 创建状态处理器,limit 参数 <= 0 时使用默认值
func NewStatusHandler(service Service, defaultLimit, maxLimit int, logger logrus.FieldLogger) *StatusHandler {
	if defaultLimit <= 0 {
		defaultLimit = defaultPageLimit
	}
	if maxLimit <= 0 {
		maxLimit = defaultMaxPageLimit
	}

	return &StatusHandler{
		service:      service,
		logger:       logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// ==================== HTTP 处理方法 ====================

// GetStatus 查询单条通知状态
// GET /api/v1/notifications/status?notificationId=xxx
func (handler *StatusHandler) GetStatus(context *gin.Context) {
	notificationID := context.Query("notificationId")
	if notificationID == "" {
		notificationID = context.Query("notification_id")
	}

	record, err := handler.service.GetStatus(context.Request.Context(), notificationID)
	if err != nil {
		writeError(context, err)
		return
	}

	writeSuccess(context, http.StatusOK, "Notification status retrieved", record, nil)
}

// ListByType 分页列出当前用户某类型的通知
// GET /api/v1/:type/status?page=1&limit=10
func (handler *StatusHandler) ListByType(context *gin.Context) {
	notificationType, err := parsePathType(context)
	if err != nil {
		writeError(context, err)
		return
	}

	page, limit, err := handler.parsePagination(context)
	if err != nil {
		writeError(context, err)
		return
	}

	items, meta, err := handler.service.ListByType(context.Request.Context(), UserID(context), notificationType, page, limit)
	if err != nil {
		writeError(context, err)
		return
	}

	writeSuccess(context, http.StatusOK, "Notifications retrieved", items, meta)
}

// UpdateStatus 同步应用下游回执
// POST /api/v1/:type/status
func (handler *StatusHandler) UpdateStatus(context *gin.Context) {
	update, ok := handler.bindUpdate(context)
	if !ok {
		return
	}

	record, err := handler.service.ApplyAcknowledgment(context.Request.Context(), update)
	if err != nil {
		writeError(context, err)
		return
	}

	writeSuccess(context, http.StatusOK, "Notification status updated", record, nil)
}

// EmitStatus 把回执发布到 status.update,由监听器异步处理
// POST /api/v1/:type/status/emit
func (handler *StatusHandler) EmitStatus(context *gin.Context) {
	update, ok := handler.bindUpdate(context)
	if !ok {
		return
	}

	emitted, err := handler.service.EmitStatusUpdate(context.Request.Context(), update)
	if err != nil {
		writeError(context, err)
		return
	}

	writeSuccess(context, http.StatusAccepted, "Status update emitted", emitted, nil)
}

// ==================== 参数解析 ====================

func (handler *StatusHandler) bindUpdate(context *gin.Context) (status.Update, bool) {
	if _, err := parsePathType(context); err != nil {
		writeError(context, err)
		return status.Update{}, false
	}

	var update status.Update
	if err := context.ShouldBindJSON(&update); err != nil {
		writeError(context, invalidBody(err))
		return status.Update{}, false
	}
	return update, true
}

func parsePathType(context *gin.Context) (status.Type, error) {
	notificationType, err := status.ParseType(context.Param("type"))
	if err != nil {
		return "", notification.NewError(notification.KindValidation, "notification type must be one of: email, push", err)
	}
	return notificationType, nil
}

// parsePagination 解析分页参数,limit 超过上限时截断
func (handler *StatusHandler) parsePagination(context *gin.Context) (int, int, error) {
	page, err := parsePositive(context.DefaultQuery("page", "1"))
	if err != nil {
		return 0, 0, notification.NewError(notification.KindValidation, "page must be a positive integer", err)
	}

	limit, err := parsePositive(context.DefaultQuery("limit", strconv.Itoa(handler.defaultLimit)))
	if err != nil {
		return 0, 0, notification.NewError(notification.KindValidation, "limit must be a positive integer", err)
	}

	return page, min(limit, handler.maxLimit), nil
}

func parsePositive(value string) (int, error) {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if parsed < 1 {
		return 0, strconv.ErrRange
	}
	return parsed, nil
}
