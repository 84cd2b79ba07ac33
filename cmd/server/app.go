package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"notification-gateway/internal/config"
	"notification-gateway/internal/logging"
)

//
// HTTP 服务器管理
//

// ServerManager HTTP 服务器管理器
type ServerManager struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          logrus.FieldLogger
}

// NewServerManager 创建服务器管理器实例
func NewServerManager(address string, handler http.Handler, shutdownTimeout time.Duration, logger logrus.FieldLogger) *ServerManager {
	return &ServerManager{
		server: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logging.Component(logger, "Server"),
	}
}

// Start 在独立的 goroutine 中启动 HTTP 服务器
// 监听失败时错误写入返回的通道
func (manager *ServerManager) Start() <-chan error {
	failures := make(chan error, 1)

	go func() {
		manager.logger.WithField("addr", manager.server.Addr).Info("HTTP 服务启动")

		if err := manager.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failures <- fmt.Errorf("http server: %w", err)
		}
		close(failures)
	}()

	return failures
}

// GracefulShutdown 优雅关闭服务器
// 等待现有请求完成或超时后强制关闭
func (manager *ServerManager) GracefulShutdown() error {
	manager.logger.Info("开始优雅关闭")

	shutdownContext, cancel := context.WithTimeout(context.Background(), manager.shutdownTimeout)
	defer cancel()

	if err := manager.server.Shutdown(shutdownContext); err != nil {
		manager.logger.WithError(err).Warn("关闭过程出现错误")
		return err
	}

	manager.logger.Info("优雅关闭完成")
	return nil
}

//
// 信号处理器
//

// SignalHandler 系统信号处理器
type SignalHandler struct {
	notifyContext context.Context
	stopFunc      context.CancelFunc
}

// NewSignalHandler 监听 SIGINT 和 SIGTERM 信号用于优雅关闭
func NewSignalHandler(parent context.Context) *SignalHandler {
	notifyContext, stopFunc := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	return &SignalHandler{
		notifyContext: notifyContext,
		stopFunc:      stopFunc,
	}
}

// Context 收到信号后取消的上下文
func (handler *SignalHandler) Context() context.Context {
	return handler.notifyContext
}

// Stop 停止监听信号
func (handler *SignalHandler) Stop() {
	handler.stopFunc()
}

//
// 应用程序启动器
//

// ApplicationRunner 应用程序运行器
// 负责整个应用的生命周期管理
type ApplicationRunner struct {
	configuration config.Config
	logger        *logrus.Logger
	serverManager *ServerManager
	consumers     *StatusConsumerManager
	appContext    *AppContext
}

// NewApplicationRunner 创建应用运行器实例
func NewApplicationRunner(configuration config.Config) *ApplicationRunner {
	return &ApplicationRunner{
		configuration: configuration,
		logger:        logging.New(configuration.Log),
	}
}

// Run 执行完整的启动、运行和关闭流程
// 阻塞直到收到关闭信号或 HTTP 服务异常退出
func (runner *ApplicationRunner) Run(parent context.Context) error {
	signalHandler := NewSignalHandler(parent)
	defer signalHandler.Stop()

	if err := runner.initializeApplication(signalHandler.Context()); err != nil {
		return err
	}

	if err := runner.startConsumers(signalHandler.Context()); err != nil {
		runner.appContext.Close()
		return err
	}

	serverFailures := runner.startHTTPServer()

	var runErr error
	select {
	case <-signalHandler.Context().Done():
		runner.logger.Info("[Runner] 收到关闭信号")
	case err, failed := <-serverFailures:
		if failed {
			runErr = err
		}
	}

	runner.performShutdown()
	return runErr
}

// initializeApplication 初始化应用程序
func (runner *ApplicationRunner) initializeApplication(ctx context.Context) error {
	appContext, err := NewApplicationInitializer(runner.configuration, runner.logger).Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	runner.appContext = appContext
	runner.logger.Info("[Runner] 应用程序初始化完成")
	return nil
}

// startConsumers 启动状态回执消费者
func (runner *ApplicationRunner) startConsumers(ctx context.Context) error {
	runner.consumers = NewStatusConsumerManager(runner.appContext)
	return runner.consumers.Start(ctx)
}

// startHTTPServer 启动 HTTP 服务器
func (runner *ApplicationRunner) startHTTPServer() <-chan error {
	router := BuildGinRouter(runner.appContext)

	runner.serverManager = NewServerManager(
		runner.configuration.App.Addr,
		router,
		runner.configuration.App.ShutdownTimeout,
		runner.logger,
	)
	return runner.serverManager.Start()
}

// performShutdown 执行关闭流程
// 先停止接收请求,再停止消费者,最后释放连接
func (runner *ApplicationRunner) performShutdown() {
	if err := runner.serverManager.GracefulShutdown(); err != nil {
		runner.logger.WithError(err).Warn("[Runner] 服务器关闭出现错误")
	}

	runner.consumers.Stop()
	runner.appContext.Close()

	runner.logger.Info("[Runner] 应用程序已完全关闭")
}
