package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	contentTypeJSON       = "application/json"
	defaultPublishTimeout = 5 * time.Second
)

// ErrConnectionClosed 连接已关闭
var ErrConnectionClosed = errors.New("amqp connection closed")

// confirmChannel 发布所需的通道能力
type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// AMQPPublisher RabbitMQ 发布者
// 通道工作在 confirm 模式,broker nack 或确认超时都返回 false
type AMQPPublisher struct {
	connection *amqp.Connection
	channel    confirmChannel
	exchange   string
	timeout    time.Duration
	logger     logrus.FieldLogger
}

// DialAMQPPublisher 建立连接、声明拓扑并开启 confirm 模式
func DialAMQPPublisher(url string, topology Topology, timeout time.Duration, logger logrus.FieldLogger) (*AMQPPublisher, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := DeclareTopology(channel, topology); err != nil {
		_ = connection.Close()
		return nil, err
	}

	if err := channel.Confirm(false); err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	publisher := newAMQPPublisher(channel, topology.Exchange, timeout, logger)
	publisher.connection = connection

	logger.WithField("exchange", topology.Exchange).Info("amqp publisher connected")
	return publisher, nil
}

func newAMQPPublisher(channel confirmChannel, exchange string, timeout time.Duration, logger logrus.FieldLogger) *AMQPPublisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &AMQPPublisher{
		channel:  channel,
		exchange: exchange,
		timeout:  timeout,
		logger:   logger,
	}
}

// Publish 发布持久化 JSON 消息并等待 broker 确认
func (publisher *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, ErrEmptyPayload
	}

	ctx, cancel := context.WithTimeout(ctx, publisher.timeout)
	defer cancel()

	confirmation, err := publisher.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		publisher.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		return false, fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	// 非 confirm 模式下没有确认对象
	if confirmation == nil {
		return true, nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("await confirm for %s: %w", routingKey, err)
	}

	if !acked {
		publisher.logger.WithField("routing_key", routingKey).Warn("broker rejected message (backpressure)")
	}

	return acked, nil
}

// Ping 检查连接状态
func (publisher *AMQPPublisher) Ping(ctx context.Context) error {
	if publisher.connection == nil || publisher.connection.IsClosed() {
		return ErrConnectionClosed
	}
	return ctx.Err()
}

// Close 关闭通道与连接
func (publisher *AMQPPublisher) Close() error {
	var errs []error

	if publisher.channel != nil {
		if err := publisher.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if publisher.connection != nil && !publisher.connection.IsClosed() {
		if err := publisher.connection.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
