package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"notification-gateway/internal/status"
)

// 路由键,与队列拓扑一一对应
const (
	RoutingKeyEmail  = "email.queue"
	RoutingKeyPush   = "push.queue"
	RoutingKeyStatus = "status.update"
)

var (
	// ErrEmptyPayload 消息体为空
	ErrEmptyPayload = errors.New("empty payload")

	// ErrMalformedUpdate 状态回执无法解析
	ErrMalformedUpdate = errors.New("malformed status update")

	// ErrNotStarted 监听器尚未启动
	ErrNotStarted = errors.New("listener not started")
)

// Publisher 按路由键发布消息
// 返回 false 表示 broker 未确认或存在背压,由调用方决定是否视为失败
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) (bool, error)
	Close() error
}

// Listener 持续消费状态回执并通过通道交给处理方
type Listener interface {
	Start(ctx context.Context) error
	Updates() <-chan StatusDelivery
	Stop()
}

// StatusDelivery 一条待处理的状态回执
// 处理方必须调用一次 Done,nil 表示确认,非 nil 表示重新入队
type StatusDelivery struct {
	Update status.Update
	done   func(error)
}

// NewStatusDelivery 构建回执,done 至多被调用一次
func NewStatusDelivery(update status.Update, done func(error)) StatusDelivery {
	var once sync.Once
	return StatusDelivery{
		Update: update,
		done: func(err error) {
			once.Do(func() {
				if done != nil {
					done(err)
				}
			})
		},
	}
}

// Done 回报处理结果
func (delivery StatusDelivery) Done(err error) {
	if delivery.done != nil {
		delivery.done(err)
	}
}

// DecodeUpdate 解析并校验状态回执
func DecodeUpdate(body []byte) (status.Update, error) {
	var update status.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return status.Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	if err := update.Validate(); err != nil {
		return status.Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	return update, nil
}

// handoff 把回执交给处理方并等待结果
func handoff(ctx context.Context, updates chan<- StatusDelivery, update status.Update) error {
	result := make(chan error, 1)
	delivery := NewStatusDelivery(update, func(err error) { result <- err })

	select {
	case updates <- delivery:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
