package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"
)

// ==================== 常量定义 ====================

const (
	// 用户代理标识
	defaultUserAgent = "notification-gateway"

	errorMessageChannelRequired     = "channel is required"
	errorMessageNoAddressConfigured = "no nsqd address or lookupd configured"
)

// ==================== 类型定义 ====================

// NSQListenerConfig NSQ 状态回执消费配置
type NSQListenerConfig struct {
	Channel          string
	NsqdAddresses    []string
	LookupdAddresses []string
	MaxInFlight      int
	Concurrency      int
	HandlerTimeout   time.Duration
}

// NSQListener 订阅 status.update topic
// 处理失败时返回错误,由 go-nsq 负责重新入队
type NSQListener struct {
	config   NSQListenerConfig
	logger   logrus.FieldLogger
	consumer *nsq.Consumer
	updates  chan StatusDelivery

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// ==================== 构造函数 ====================

// NewNSQListener 校验配置并创建底层消费者
func NewNSQListener(config NSQListenerConfig, logger logrus.FieldLogger) (*NSQListener, error) {
	if err := validateListenerConfig(config); err != nil {
		return nil, err
	}

	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaultHandlerTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	consumer, err := nsq.NewConsumer(RoutingKeyStatus, config.Channel, createNSQConfig(config.MaxInFlight))
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{logger: logger}, nsq.LogLevelWarning)

	return &NSQListener{
		config:   config,
		logger:   logger,
		consumer: consumer,
		updates:  make(chan StatusDelivery),
		ctx:      context.Background(),
	}, nil
}

// validateListenerConfig 验证消费者配置
func validateListenerConfig(config NSQListenerConfig) error {
	if config.Channel == "" {
		return errors.New(errorMessageChannelRequired)
	}

	if len(config.NsqdAddresses) == 0 && len(config.LookupdAddresses) == 0 {
		return errors.New(errorMessageNoAddressConfigured)
	}

	return nil
}

// createNSQConfig 创建 NSQ 配置
func createNSQConfig(maxInFlight int) *nsq.Config {
	config := nsq.NewConfig()
	if maxInFlight > 0 {
		config.MaxInFlight = maxInFlight
	}
	config.UserAgent = defaultUserAgent
	return config
}

// nsqLogger 将 go-nsq 内部日志转到 logrus
type nsqLogger struct {
	logger logrus.FieldLogger
}

func (adapter nsqLogger) Output(_ int, message string) error {
	adapter.logger.Warn(message)
	return nil
}

// ==================== 生命周期 ====================

func (listener *NSQListener) Updates() <-chan StatusDelivery {
	return listener.updates
}

// Start 注册处理器并连接 nsqd / lookupd
func (listener *NSQListener) Start(ctx context.Context) error {
	listener.ctx, listener.cancel = context.WithCancel(ctx)
	listener.consumer.AddConcurrentHandlers(nsq.HandlerFunc(listener.handleMessage), listener.config.Concurrency)

	for _, address := range listener.config.NsqdAddresses {
		if err := listener.consumer.ConnectToNSQD(address); err != nil {
			return fmt.Errorf("failed to connect to nsqd %s: %w", address, err)
		}
	}

	for _, address := range listener.config.LookupdAddresses {
		if err := listener.consumer.ConnectToNSQLookupd(address); err != nil {
			return fmt.Errorf("failed to connect to lookupd %s: %w", address, err)
		}
	}

	listener.logger.WithField("topic", RoutingKeyStatus).Info("status listener started")
	return nil
}

// Stop 停止消费,等待在途消息处理完毕后关闭回执通道
func (listener *NSQListener) Stop() {
	listener.stopOnce.Do(func() {
		if listener.cancel == nil {
			// 未注册处理器时 StopChan 不会关闭
			listener.consumer.Stop()
			close(listener.updates)
			return
		}

		listener.cancel()
		listener.consumer.Stop()
		<-listener.consumer.StopChan
		close(listener.updates)
		listener.logger.Info("status listener stopped")
	})
}

// ==================== 消息处理 ====================

// handleMessage 处理单条消息,无法解析的消息直接结束不再重试
func (listener *NSQListener) handleMessage(message *nsq.Message) error {
	update, err := DecodeUpdate(message.Body)
	if err != nil {
		listener.logger.WithError(err).Warn("dropping undecodable status update")
		return nil
	}

	ctx, cancel := context.WithTimeout(listener.ctx, listener.config.HandlerTimeout)
	defer cancel()

	if err := handoff(ctx, listener.updates, update); err != nil {
		listener.logger.WithError(err).WithFields(logrus.Fields{
			"notification_id": update.NotificationID,
			"attempts":        message.Attempts,
		}).Warn("status update failed, requeueing")
		return err
	}

	return nil
}
