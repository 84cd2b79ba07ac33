package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultConsumerTag    = "notification-gateway-status"
	defaultHandlerTimeout = 10 * time.Second
	defaultPrefetch       = 16
)

// AMQPListenerConfig 状态回执消费配置
type AMQPListenerConfig struct {
	URL            string
	Topology       Topology
	Queue          string
	Prefetch       int
	HandlerTimeout time.Duration
}

// AMQPListener 从 status 队列消费回执
// 处理方回报成功后 ack,失败或超时则 nack 并重新入队,无法解析的消息直接丢弃
type AMQPListener struct {
	config  AMQPListenerConfig
	logger  logrus.FieldLogger
	updates chan StatusDelivery

	connection *amqp.Connection
	channel    *amqp.Channel
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

// NewAMQPListener 创建监听器,调用 Start 后才建立连接
func NewAMQPListener(config AMQPListenerConfig, logger logrus.FieldLogger) *AMQPListener {
	if config.Prefetch <= 0 {
		config.Prefetch = defaultPrefetch
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaultHandlerTimeout
	}

	return &AMQPListener{
		config:  config,
		logger:  logger,
		updates: make(chan StatusDelivery),
		done:    make(chan struct{}),
	}
}

// Updates 返回回执通道,监听器停止后通道关闭
func (listener *AMQPListener) Updates() <-chan StatusDelivery {
	return listener.updates
}

// Start 建立连接并开始消费
func (listener *AMQPListener) Start(ctx context.Context) error {
	connection, err := amqp.Dial(listener.config.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}

	if err := listener.prepareChannel(channel); err != nil {
		_ = connection.Close()
		return err
	}

	deliveries, err := channel.Consume(listener.config.Queue, defaultConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = connection.Close()
		return fmt.Errorf("consume %s: %w", listener.config.Queue, err)
	}

	listener.connection = connection
	listener.channel = channel

	consumeContext, cancel := context.WithCancel(ctx)
	listener.cancel = cancel
	go listener.consume(consumeContext, deliveries)

	listener.logger.WithField("queue", listener.config.Queue).Info("status listener started")
	return nil
}

func (listener *AMQPListener) prepareChannel(channel *amqp.Channel) error {
	if err := channel.Qos(listener.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return DeclareTopology(channel, listener.config.Topology)
}

// Stop 停止消费并关闭连接
func (listener *AMQPListener) Stop() {
	listener.stopOnce.Do(func() {
		if listener.cancel == nil {
			close(listener.done)
			close(listener.updates)
			return
		}

		listener.cancel()
		if listener.channel != nil {
			_ = listener.channel.Cancel(defaultConsumerTag, false)
		}
		<-listener.done

		if listener.connection != nil {
			_ = listener.connection.Close()
		}
		listener.logger.Info("status listener stopped")
	})
}

// consume 串行处理投递,结束时关闭回执通道
func (listener *AMQPListener) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(listener.done)
	defer close(listener.updates)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				listener.logger.Warn("amqp delivery channel closed")
				return
			}
			listener.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery 处理单条投递并回应 broker
func (listener *AMQPListener) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	update, err := DecodeUpdate(delivery.Body)
	if err != nil {
		listener.logger.WithError(err).Warn("dropping undecodable status update")
		_ = delivery.Reject(false)
		return
	}

	handlerContext, cancel := context.WithTimeout(ctx, listener.config.HandlerTimeout)
	defer cancel()

	if err := handoff(handlerContext, listener.updates, update); err != nil {
		listener.logger.WithError(err).WithField("notification_id", update.NotificationID).Warn("status update failed, requeueing")
		_ = delivery.Nack(false, true)
		return
	}

	_ = delivery.Ack(false)
}
