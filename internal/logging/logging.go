package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"notification-gateway/internal/config"
)

// 日志字段名
const (
	FieldComponent      = "component"
	FieldCorrelationID  = "correlation_id"
	FieldNotificationID = "notification_id"
)

// New 按配置构建根 logger
// 无法识别的级别回退为 info
func New(cfg config.Log) *logrus.Logger {
	return NewWithOutput(cfg, os.Stdout)
}

// NewWithOutput 构建写入指定输出的 logger
func NewWithOutput(cfg config.Log, output io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(output)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// Component 返回带组件名的子 logger
func Component(logger logrus.FieldLogger, name string) logrus.FieldLogger {
	return logger.WithField(FieldComponent, name)
}

// Discard 返回丢弃所有输出的 logger,用于测试
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
