package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"notification-gateway/internal/logging"
	"notification-gateway/internal/notification"
	"notification-gateway/internal/queue"
)

//
// 状态回执消费者
//

// StatusConsumerManager 状态回执消费者管理器
// 监听器负责收消息,编排器的对账循环负责处理,两者通过通道交接
type StatusConsumerManager struct {
	listener     queue.Listener
	orchestrator *notification.Orchestrator
	logger       logrus.FieldLogger

	reconciling sync.WaitGroup
	stopOnce    sync.Once
}

// NewStatusConsumerManager 创建消费者管理器实例
func NewStatusConsumerManager(appContext *AppContext) *StatusConsumerManager {
	return &StatusConsumerManager{
		listener:     appContext.Listener,
		orchestrator: appContext.Orchestrator,
		logger:       logging.Component(appContext.Logger, "StatusConsumer"),
	}
}

// Start 启动监听器与对账循环,未启用时直接返回
func (manager *StatusConsumerManager) Start(ctx context.Context) error {
	if !manager.isConsumerEnabled() {
		manager.logger.Info("消费者未启用,跳过启动")
		return nil
	}

	if err := manager.listener.Start(ctx); err != nil {
		return fmt.Errorf("start status listener: %w", err)
	}

	manager.runReconcileInBackground(ctx)

	manager.logger.Info("状态回执消费者启动成功")
	return nil
}

// Stop 停止监听器并等待对账循环处理完在途回执
func (manager *StatusConsumerManager) Stop() {
	if !manager.isConsumerEnabled() {
		return
	}

	manager.stopOnce.Do(func() {
		manager.listener.Stop()
		manager.reconciling.Wait()
		manager.logger.Info("状态回执消费者已停止")
	})
}

// isConsumerEnabled 检查消费者是否启用
func (manager *StatusConsumerManager) isConsumerEnabled() bool {
	return manager.listener != nil
}

// runReconcileInBackground 对账循环在回执通道关闭后退出
// 使用不随信号取消的上下文,关闭时先排空在途回执
func (manager *StatusConsumerManager) runReconcileInBackground(ctx context.Context) {
	reconcileContext := context.WithoutCancel(ctx)

	manager.reconciling.Add(1)
	go func() {
		defer manager.reconciling.Done()
		manager.orchestrator.Reconcile(reconcileContext, manager.listener.Updates())
	}()
}
