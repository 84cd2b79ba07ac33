// Package ratelimit 实现按客户端固定窗口的请求配额控制
// 后端可在进程内计数与 Redis 共享计数之间切换,共享后端不可用时降级到本地
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ==================== 常量定义 ====================

const (
	DefaultPoints   = 100
	DefaultDuration = 900 * time.Second

	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"

	// isoMillis 与 JavaScript toISOString 相同的格式
	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// ==================== 错误定义 ====================

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("invalid rate limit config")

	// ErrStoreUnavailable 计数后端不可用
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// ==================== 数据结构 ====================

// Config 固定窗口配置: 每个客户端在 Duration 内最多 Points 次请求
type Config struct {
	Points   int
	Duration time.Duration
}

// Store 计数后端
type Store interface {
	// Consume 在 key 当前窗口内累加 points
	// 返回窗口内累计消耗值与窗口结束时间
	Consume(ctx context.Context, key string, points int, window time.Duration) (consumed int, resetAt time.Time, err error)
	// Reset 清除 key 的计数
	Reset(ctx context.Context, key string) error
}

// Result 单次准入判定结果
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds 向上取整的重试秒数
func (result Result) RetryAfterSeconds() int {
	if result.RetryAfter <= 0 {
		return 0
	}
	milliseconds := result.RetryAfter.Milliseconds()
	return int((milliseconds + 999) / 1000)
}

// Limiter 固定窗口限流器
type Limiter struct {
	store  Store
	config Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// ==================== 构造函数 ====================

// NewLimiter 创建限流器
func NewLimiter(store Store, config Config, logger logrus.FieldLogger) (*Limiter, error) {
	if config.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive, got %d", ErrInvalidConfig, config.Points)
	}
	if config.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %v", ErrInvalidConfig, config.Duration)
	}

	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Config 返回限流配置
func (limiter *Limiter) Config() Config {
	return limiter.config
}

// ==================== 核心方法 ====================

// Admit 为 clientKey 消耗一个点数并返回判定结果
// 计数失败时放行并记录日志,限流器自身不向调用方返回错误
func (limiter *Limiter) Admit(ctx context.Context, clientKey string) Result {
	now := limiter.now()

	consumed, resetAt, err := limiter.store.Consume(ctx, clientKey, 1, limiter.config.Duration)
	if err != nil {
		limiter.logger.WithError(err).WithField("client", clientKey).Warn("rate limit accounting failed, admitting request")
		return Result{
			Allowed:   true,
			Limit:     limiter.config.Points,
			Remaining: limiter.config.Points,
			ResetAt:   now.Add(limiter.config.Duration),
		}
	}

	return limiter.buildResult(consumed, resetAt, now)
}

// Reset 清除客户端计数
func (limiter *Limiter) Reset(ctx context.Context, clientKey string) error {
	return limiter.store.Reset(ctx, clientKey)
}

func (limiter *Limiter) buildResult(consumed int, resetAt time.Time, now time.Time) Result {
	result := Result{
		Allowed:   consumed <= limiter.config.Points,
		Limit:     limiter.config.Points,
		Remaining: max(0, limiter.config.Points-consumed),
		ResetAt:   resetAt,
	}

	if !result.Allowed {
		result.RetryAfter = max(0, resetAt.Sub(now))
	}

	return result
}

// ==================== HTTP 辅助 ====================

// SetHeaders 写入限流响应头,拒绝时附加 Retry-After
func SetHeaders(header http.Header, result Result) {
	header.Set(HeaderLimit, strconv.Itoa(result.Limit))
	header.Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	header.Set(HeaderReset, FormatReset(result.ResetAt))

	if !result.Allowed {
		header.Set(HeaderRetryAfter, strconv.Itoa(result.RetryAfterSeconds()))
	}
}

// FormatReset 以 ISO 8601 毫秒精度输出窗口结束时间
func FormatReset(resetAt time.Time) string {
	return resetAt.UTC().Format(isoMillis)
}
