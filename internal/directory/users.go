package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUserNotFound 用户不存在或用户服务不可用
var ErrUserNotFound = errors.New("user service unavailable or user not found")

// Preferences 用户通知偏好
type Preferences struct {
	AllowEmail bool
	AllowPush  bool
}

// User 用户资料中编排需要的部分
type User struct {
	ID          string
	Name        string
	Email       string
	PushToken   string
	Preferences Preferences
}

// userWire 用户服务的响应格式
// 偏好字段兼容 allow_emails/allow_push 与 email/push 两种写法
type userWire struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	PushToken   json.RawMessage `json:"push_token"`
	Preferences struct {
		AllowEmails *bool `json:"allow_emails"`
		Email       *bool `json:"email"`
		AllowPush   *bool `json:"allow_push"`
		Push        *bool `json:"push"`
	} `json:"preferences"`
}

func (wire userWire) toUser() User {
	return User{
		ID:        wire.ID,
		Name:      wire.Name,
		Email:     wire.Email,
		PushToken: decodePushToken(wire.PushToken),
		Preferences: Preferences{
			AllowEmail: firstSet(wire.Preferences.AllowEmails, wire.Preferences.Email),
			AllowPush:  firstSet(wire.Preferences.AllowPush, wire.Preferences.Push),
		},
	}
}

// decodePushToken push_token 可能是字符串,也可能是 {"token": "..."} 对象
func decodePushToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var token string
	if err := json.Unmarshal(raw, &token); err == nil {
		return token
	}

	var object struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return object.Token
	}
	return ""
}

func firstSet(values ...*bool) bool {
	for _, value := range values {
		if value != nil {
			return *value
		}
	}
	return false
}

// UserClient 用户服务客户端: GET {base}/{id}
type UserClient struct {
	client *Client
}

// NewUserClient 创建用户服务客户端
func NewUserClient(baseURL string, timeout time.Duration) *UserClient {
	return &UserClient{client: NewClient(baseURL, timeout)}
}

// GetUser 查询用户资料,任何失败都归为 ErrUserNotFound
func (users *UserClient) GetUser(ctx context.Context, userID string) (User, error) {
	if strings.TrimSpace(userID) == "" {
		return User{}, fmt.Errorf("%w: %w", ErrUserNotFound, ErrEmptyIdentifier)
	}

	var wire userWire
	if err := users.client.GetJSON(ctx, "/"+url.PathEscape(userID), &wire); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUserNotFound, err)
	}

	user := wire.toUser()
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}

// Ping 检查用户服务可达性
func (users *UserClient) Ping(ctx context.Context) error {
	return users.client.Ping(ctx)
}
