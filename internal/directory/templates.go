package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrTemplateNotFound 模板不存在或模板服务不可用
var ErrTemplateNotFound = errors.New("template service unavailable or template not found")

// Template 渲染前的模板
type Template struct {
	Code    string `json:"code"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateClient 模板服务客户端: GET {base}/{code}
type TemplateClient struct {
	client *Client
}

// NewTemplateClient 创建模板服务客户端
func NewTemplateClient(baseURL string, timeout time.Duration) *TemplateClient {
	return &TemplateClient{client: NewClient(baseURL, timeout)}
}

// GetTemplate 按模板编码查询,任何失败都归为 ErrTemplateNotFound
func (templates *TemplateClient) GetTemplate(ctx context.Context, code string) (Template, error) {
	if strings.TrimSpace(code) == "" {
		return Template{}, fmt.Errorf("%w: %w", ErrTemplateNotFound, ErrEmptyIdentifier)
	}

	var template Template
	if err := templates.client.GetJSON(ctx, "/"+url.PathEscape(code), &template); err != nil {
		return Template{}, fmt.Errorf("%w: %w", ErrTemplateNotFound, err)
	}

	if template.Code == "" {
		template.Code = code
	}
	return template, nil
}

// Ping 检查模板服务可达性
func (templates *TemplateClient) Ping(ctx context.Context) error {
	return templates.client.Ping(ctx)
}
