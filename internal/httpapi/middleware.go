package httpapi

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notification-gateway/internal/directory"
	"notification-gateway/internal/logging"
	"notification-gateway/internal/notification"
	"notification-gateway/internal/ratelimit"
)

// ==================== 常量定义 ====================

const (
	// HeaderCorrelationID 关联ID请求头,与下游调用共用
	HeaderCorrelationID = directory.HeaderCorrelationID

	// HeaderRequestID 幂等键请求头
	HeaderRequestID = "X-Request-Id"

	contextKeyUserID        = "user_id"
	contextKeyEmail         = "email"
	contextKeyCorrelationID = "correlation_id"

	tokenIssuer = "notification-gateway"

	codeUnauthorized = "UNAUTHORIZED"
)

// ErrEmptySecret 签名密钥为空
var ErrEmptySecret = errors.New("jwt secret cannot be empty")

// ==================== 关联ID ====================

// Correlation 读取或生成关联ID,回写响应头并放入请求上下文
func Correlation() gin.HandlerFunc {
	return func(context *gin.Context) {
		correlationID := strings.TrimSpace(context.GetHeader(HeaderCorrelationID))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		context.Set(contextKeyCorrelationID, correlationID)
		context.Header(HeaderCorrelationID, correlationID)
		context.Request = context.Request.WithContext(
			directory.WithCorrelationID(context.Request.Context(), correlationID),
		)

		context.Next()
	}
}

// CorrelationID 返回当前请求的关联ID
func CorrelationID(context *gin.Context) string {
	return context.GetString(contextKeyCorrelationID)
}

// ==================== 请求超时 ====================

// RequestTimeout 为请求上下文设置处理超时,下游调用随之取消
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(context *gin.Context) {
		if timeout <= 0 {
			context.Next()
			return
		}

		ctx, cancel := stdcontext.WithTimeout(context.Request.Context(), timeout)
		defer cancel()

		context.Request = context.Request.WithContext(ctx)
		context.Next()
	}
}

// ==================== 请求日志 ====================

// RequestLogger 记录每个请求的方法、路径、状态码与耗时
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(context *gin.Context) {
		start := time.Now()
		context.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":                   context.Request.Method,
			"path":                     context.Request.URL.Path,
			"status":                   context.Writer.Status(),
			"latency_ms":               time.Since(start).Milliseconds(),
			"client_ip":                context.ClientIP(),
			logging.FieldCorrelationID: CorrelationID(context),
		})

		switch {
		case context.Writer.Status() >= http.StatusInternalServerError:
			entry.WithField("errors", context.Errors.String()).Error("request failed")
		case context.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}

// ==================== 异常恢复 ====================

// Recovery 捕获 panic 并返回 Internal 错误,不暴露堆栈
func Recovery(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(context *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.WithFields(logrus.Fields{
					"method":                   context.Request.Method,
					"path":                     context.Request.URL.Path,
					logging.FieldCorrelationID: CorrelationID(context),
				}).Errorf("panic recovered: %v", recovered)

				writeError(context, notification.NewError(notification.KindInternal, notification.MessageInternal, fmt.Errorf("panic: %v", recovered)))
			}
		}()
		context.Next()
	}
}

// ==================== 认证 ====================

// Claims JWT 载荷
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// GenerateToken 签发 HS256 令牌
func GenerateToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Email:  email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// JWTAuth 校验 Bearer 令牌,成功后在上下文中设置 user_id 与 email
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(context *gin.Context) {
		tokenString, found := strings.CutPrefix(context.GetHeader("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			writeFailure(context, http.StatusUnauthorized, "Missing or malformed bearer token", codeUnauthorized, nil)
			return
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			writeFailure(context, http.StatusUnauthorized, "Invalid or expired token", codeUnauthorized, nil)
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}

		context.Set(contextKeyUserID, userID)
		context.Set(contextKeyEmail, claims.Email)
		context.Next()
	}
}

// UserID 返回认证后的用户ID
func UserID(context *gin.Context) string {
	return context.GetString(contextKeyUserID)
}

// ==================== 限流 ====================

// RateLimit 按客户端 IP 限流,所有响应都带限流头
func RateLimit(limiter *ratelimit.Limiter, logger logrus.FieldLogger) gin.HandlerFunc {
	window := int(limiter.Config().Duration / time.Second)

	return func(context *gin.Context) {
		clientIP := context.ClientIP()
		result := limiter.Admit(context.Request.Context(), clientIP)
		ratelimit.SetHeaders(context.Writer.Header(), result)

		if result.Allowed {
			context.Next()
			return
		}

		retryAfter := result.RetryAfterSeconds()
		logger.WithFields(logrus.Fields{
			"client_ip":                clientIP,
			"retry_after":              retryAfter,
			logging.FieldCorrelationID: CorrelationID(context),
		}).Warn("rate limit exceeded")

		writeFailure(context, http.StatusTooManyRequests,
			fmt.Sprintf("Too many requests. Please retry after %d seconds.", retryAfter),
			notification.KindRateLimited.Code(),
			gin.H{
				"retryAfter": retryAfter,
				"resetAt":    ratelimit.FormatReset(result.ResetAt),
				"limit":      result.Limit,
				"window":     window,
			},
		)
	}
}
