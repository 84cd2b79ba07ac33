package queue

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"
)

// NSQProducer NSQ 发布者,路由键直接作为 topic
type NSQProducer struct {
	producer *nsq.Producer
}

// NewNSQProducer 创建一个新的 NSQ 生产者
func NewNSQProducer(address string, logger logrus.FieldLogger) (*NSQProducer, error) {
	producer, err := nsq.NewProducer(address, createNSQConfig(0))
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	producer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)
	return &NSQProducer{producer: producer}, nil
}

// Publish 异步发布并等待 nsqd 响应,超时以 ctx 为准
func (producer *NSQProducer) Publish(ctx context.Context, routingKey string, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, ErrEmptyPayload
	}

	done := make(chan *nsq.ProducerTransaction, 1)
	if err := producer.producer.PublishAsync(routingKey, payload, done); err != nil {
		return false, fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	select {
	case transaction := <-done:
		if transaction.Error != nil {
			return false, fmt.Errorf("publish to %s: %w", routingKey, transaction.Error)
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Ping 检查 nsqd 连接
func (producer *NSQProducer) Ping(ctx context.Context) error {
	return producer.producer.Ping()
}

func (producer *NSQProducer) Close() error {
	producer.producer.Stop()
	return nil
}
