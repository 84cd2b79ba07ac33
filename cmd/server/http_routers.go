package main

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notification-gateway/internal/httpapi"
	"notification-gateway/internal/logging"
)

//
// 路由构建主函数
//

// BuildGinRouter 构建 Gin 路由器
// 全部接口挂在 /api/v1 下
func BuildGinRouter(app *AppContext) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	httpLogger := logging.Component(app.Logger, "HTTP")

	// 应用全局中间件,限流覆盖所有路由
	router.Use(
		httpapi.Correlation(),
		httpapi.Recovery(httpLogger),
		httpapi.RequestLogger(httpLogger),
	)
	if app.Limiter != nil {
		router.Use(httpapi.RateLimit(app.Limiter, httpLogger))
	}
	router.Use(httpapi.RequestTimeout(app.Config.App.RequestTimeout))

	apiV1 := router.Group("/api/v1")
	{
		registerNotificationRoutes(apiV1, app, httpLogger)
		registerStatusRoutes(apiV1, app, httpLogger)
		registerHealthRoutes(apiV1, app, httpLogger)
	}

	return router
}

// registerNotificationRoutes 注册通知提交与查询路由
func registerNotificationRoutes(group *gin.RouterGroup, app *AppContext, logger logrus.FieldLogger) {
	handler := httpapi.NewHandler(app.Orchestrator, logger)
	statusHandler := newStatusHandler(app, logger)

	notifications := group.Group("/notifications", httpapi.JWTAuth(app.Config.App.JWTSecret))
	notifications.POST("", handler.Submit)
	notifications.GET("/status", statusHandler.GetStatus)
}

// registerStatusRoutes 注册按类型的状态路由
// 列表需要认证,回执回调供内部 worker 调用
func registerStatusRoutes(group *gin.RouterGroup, app *AppContext, logger logrus.FieldLogger) {
	statusHandler := newStatusHandler(app, logger)

	group.GET("/:type/status", httpapi.JWTAuth(app.Config.App.JWTSecret), statusHandler.ListByType)
	group.POST("/:type/status", statusHandler.UpdateStatus)
	group.POST("/:type/status/emit", statusHandler.EmitStatus)
}

// registerHealthRoutes 注册健康检查路由
func registerHealthRoutes(group *gin.RouterGroup, app *AppContext, logger logrus.FieldLogger) {
	healthHandler := httpapi.NewHealthHandler(app.Probes, app.Config.Storage.OperationTimeout, logger)

	group.GET("/health", healthHandler.Ready)
	group.GET("/health/live", healthHandler.Live)
}

func newStatusHandler(app *AppContext, logger logrus.FieldLogger) *httpapi.StatusHandler {
	return httpapi.NewStatusHandler(app.Orchestrator, app.Config.App.PageLimit, app.Config.App.MaxPageLimit, logger)
}
