// Package directory 封装对用户服务与模板服务的同步 HTTP 调用
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ==================== 常量定义 ====================

const (
	defaultTimeout = 5 * time.Second

	// HeaderCorrelationID 透传给下游服务的关联ID请求头
	HeaderCorrelationID = "X-Correlation-Id"

	maxErrorBodyBytes = 512
)

// ==================== 错误定义 ====================

var (
	// ErrUnexpectedStatus 下游返回非 2xx
	ErrUnexpectedStatus = errors.New("unexpected response status")

	// ErrEmptyIdentifier 查询标识为空
	ErrEmptyIdentifier = errors.New("identifier cannot be empty")
)

// StatusError 下游返回的非 2xx 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("%s: status=%d, body=%s", ErrUnexpectedStatus, err.StatusCode, err.Body)
}

func (err *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// ==================== HTTP 客户端 ====================

// Client 服务间通信用的 JSON 客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient 创建客户端,timeout <= 0 时使用默认值
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL 返回服务根地址
func (client *Client) BaseURL() string {
	return client.baseURL
}

// GetJSON 请求 baseURL + path 并把响应解码到 result
// 响应体若为 {"data": {...}} 包装格式会先拆包
func (client *Client) GetJSON(ctx context.Context, path string, result any) error {
	request, err := client.newRequest(ctx, http.MethodGet, client.baseURL+path)
	if err != nil {
		return err
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return &StatusError{StatusCode: response.StatusCode, Body: truncate(string(body))}
	}

	if err := json.Unmarshal(unwrapData(body), result); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Ping 检查服务可达性,任何低于 500 的响应都视为可达
func (client *Client) Ping(ctx context.Context) error {
	request, err := client.newRequest(ctx, http.MethodGet, client.baseURL)
	if err != nil {
		return err
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode >= http.StatusInternalServerError {
		return &StatusError{StatusCode: response.StatusCode}
	}
	return nil
}

func (client *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	request.Header.Set("Accept", "application/json")
	if correlationID := CorrelationIDFrom(ctx); correlationID != "" {
		request.Header.Set(HeaderCorrelationID, correlationID)
	}
	return request, nil
}

// unwrapData 拆开 {"data": {...}} 包装,其他格式原样返回
func unwrapData(body []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}

	data := strings.TrimSpace(string(envelope.Data))
	if strings.HasPrefix(data, "{") {
		return envelope.Data
	}
	return body
}

func truncate(body string) string {
	if len(body) > maxErrorBodyBytes {
		return body[:maxErrorBodyBytes]
	}
	return body
}

// ==================== 上下文传递 ====================

type contextKey string

const contextKeyCorrelationID contextKey = "correlation_id"

// WithCorrelationID 在上下文中设置关联ID,后续请求会带上该请求头
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, correlationID)
}

// CorrelationIDFrom 读取上下文中的关联ID
func CorrelationIDFrom(ctx context.Context) string {
	correlationID, _ := ctx.Value(contextKeyCorrelationID).(string)
	return correlationID
}
