package main

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"notification-gateway/internal/cache"
	"notification-gateway/internal/config"
	"notification-gateway/internal/directory"
	"notification-gateway/internal/httpapi"
	"notification-gateway/internal/idempotency"
	"notification-gateway/internal/logging"
	"notification-gateway/internal/notification"
	"notification-gateway/internal/queue"
	"notification-gateway/internal/ratelimit"
	"notification-gateway/internal/status"
)

// pinger 可探测连通性的组件
type pinger interface {
	Ping(ctx context.Context) error
}

// AppContext 应用运行时上下文
// 聚合所有运行期依赖,统一管理生命周期
type AppContext struct {
	Config       config.Config
	Logger       *logrus.Logger
	RedisClient  *redis.Client
	Cache        cache.Cache
	LocalLimits  *ratelimit.MemoryStore
	Limiter      *ratelimit.Limiter
	Statuses     *status.Store
	Idempotency  *idempotency.Store
	Publisher    queue.Publisher
	Listener     queue.Listener
	Users        *directory.UserClient
	Templates    *directory.TemplateClient
	Orchestrator *notification.Orchestrator
	Probes       map[string]httpapi.Probe
}

// Close 释放应用上下文持有的所有资源
// 按照依赖关系倒序释放
func (context *AppContext) Close() {
	context.closeListener()
	context.closePublisher()
	context.closeRedis()
	context.closeLocalLimits()
}

// closeListener 停止状态回执监听
func (context *AppContext) closeListener() {
	if context.Listener != nil {
		context.Listener.Stop()
	}
}

// closePublisher 关闭消息发布者
func (context *AppContext) closePublisher() {
	if context.Publisher == nil {
		return
	}
	if err := context.Publisher.Close(); err != nil {
		context.Logger.WithError(err).Warn("[AppContext] 关闭发布者失败")
	}
}

// closeRedis 关闭 Redis 连接
func (context *AppContext) closeRedis() {
	if context.RedisClient == nil {
		return
	}
	if err := context.RedisClient.Close(); err != nil {
		context.Logger.WithError(err).Warn("[AppContext] 关闭 Redis 失败")
	}
}

// closeLocalLimits 停止本地限流计数的清理任务
func (context *AppContext) closeLocalLimits() {
	if context.LocalLimits != nil {
		context.LocalLimits.Close()
	}
}

//
// 应用初始化器
//

// ApplicationInitializer 应用初始化器
// 负责构建完整的应用运行上下文
type ApplicationInitializer struct {
	configuration config.Config
	logger        *logrus.Logger
	app           *AppContext
}

// NewApplicationInitializer 创建应用初始化器实例
func NewApplicationInitializer(configuration config.Config, logger *logrus.Logger) *ApplicationInitializer {
	return &ApplicationInitializer{
		configuration: configuration,
		logger:        logger,
		app: &AppContext{
			Config: configuration,
			Logger: logger,
			Probes: make(map[string]httpapi.Probe),
		},
	}
}

// Initialize 按照依赖关系依次初始化各个组件
// 任一步骤失败时释放已创建的资源
func (initializer *ApplicationInitializer) Initialize(ctx context.Context) (*AppContext, error) {
	steps := []func(context.Context) error{
		initializer.initializeCache,
		initializer.initializeLimiter,
		initializer.initializeStores,
		initializer.initializePublisher,
		initializer.initializeListener,
		initializer.initializeDirectory,
	}

	for _, step := range steps {
		if err := step(ctx); err != nil {
			initializer.app.Close()
			return nil, err
		}
	}

	initializer.initializeOrchestrator()
	return initializer.app, nil
}

// initializeCache 初始化共享缓存,redis 后端启动时必须可达
func (initializer *ApplicationInitializer) initializeCache(ctx context.Context) error {
	storage := initializer.configuration.Storage

	if storage.Backend == config.BackendMemory {
		initializer.app.Cache = cache.NewMemoryCache()
		initializer.logger.Warn("[Initializer] 使用进程内缓存,多实例之间不共享幂等与状态记录")
		return nil
	}

	client, err := cache.Connect(ctx, storage.RedisURL, storage.ConnectRetries)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	initializer.app.RedisClient = client
	initializer.app.Cache = cache.NewRedisCache(client, storage.OperationTimeout)
	initializer.app.Probes["redis"] = cache.Healthcheck(client)

	initializer.logger.Info("[Initializer] Redis 连接成功")
	return nil
}

// initializeLimiter 初始化限流器
// redis 计数不可用时降级为本地计数
func (initializer *ApplicationInitializer) initializeLimiter(ctx context.Context) error {
	settings := initializer.configuration.RateLimit
	if settings.Disabled {
		initializer.logger.Warn("[Initializer] 限流已关闭")
		return nil
	}

	limiterLogger := logging.Component(initializer.logger, "RateLimiter")
	local := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(settings.CleanupInterval))
	initializer.app.LocalLimits = local

	var store ratelimit.Store = local
	if settings.Backend == config.BackendRedis {
		if client := initializer.rateLimitClient(ctx); client != nil {
			shared := ratelimit.NewRedisStore(client, settings.KeyPrefix, initializer.configuration.Storage.OperationTimeout)
			store = ratelimit.NewFallbackStore(shared, local, limiterLogger)
		}
	}

	limiter, err := ratelimit.NewLimiter(store, ratelimit.Config{
		Points:   settings.Points,
		Duration: settings.Duration,
	}, limiterLogger)
	if err != nil {
		return err
	}

	initializer.app.Limiter = limiter
	return nil
}

// rateLimitClient 复用缓存连接,缓存走内存时单独尝试连接一次
func (initializer *ApplicationInitializer) rateLimitClient(ctx context.Context) *redis.Client {
	if initializer.app.RedisClient != nil {
		return initializer.app.RedisClient
	}

	client, err := cache.Connect(ctx, initializer.configuration.Storage.RedisURL, 1)
	if err != nil {
		initializer.logger.WithError(err).Warn("[Initializer] 限流 Redis 不可用,使用本地计数")
		return nil
	}

	initializer.app.RedisClient = client
	return client
}

// initializeStores 创建状态与幂等存储
func (initializer *ApplicationInitializer) initializeStores(context.Context) error {
	ttl := initializer.configuration.Storage.TTL()

	initializer.app.Statuses = status.NewStore(initializer.app.Cache, ttl, logging.Component(initializer.logger, "StatusStore"))
	initializer.app.Idempotency = idempotency.NewStore(initializer.app.Cache, ttl)
	return nil
}

// initializePublisher 按驱动创建消息发布者
func (initializer *ApplicationInitializer) initializePublisher(context.Context) error {
	broker := initializer.configuration.Broker
	publisherLogger := logging.Component(initializer.logger, "Publisher")

	var (
		publisher queue.Publisher
		err       error
	)

	switch broker.Driver {
	case config.DriverNSQ:
		publisher, err = queue.NewNSQProducer(broker.NSQ.ProducerAddr, publisherLogger)
	default:
		publisher, err = queue.DialAMQPPublisher(broker.AMQP.URL, newTopology(broker.AMQP), broker.PublishTimeout, publisherLogger)
	}
	if err != nil {
		return fmt.Errorf("create %s publisher: %w", broker.Driver, err)
	}

	initializer.app.Publisher = publisher
	if probe, ok := publisher.(pinger); ok {
		initializer.app.Probes["broker"] = probe.Ping
	}

	initializer.logger.WithField("driver", broker.Driver).Info("[Initializer] 消息发布者创建完成")
	return nil
}

// initializeListener 创建状态回执监听器,未启用时跳过
func (initializer *ApplicationInitializer) initializeListener(context.Context) error {
	broker := initializer.configuration.Broker
	if !broker.ConsumerEnabled {
		initializer.logger.Info("[Initializer] 状态回执消费者未启用")
		return nil
	}

	listenerLogger := logging.Component(initializer.logger, "StatusListener")

	if broker.Driver == config.DriverNSQ {
		listener, err := queue.NewNSQListener(queue.NSQListenerConfig{
			Channel:          broker.NSQ.Channel,
			NsqdAddresses:    broker.NSQ.NsqdTCPAddrs,
			LookupdAddresses: broker.NSQ.LookupdHTTPAddrs,
			MaxInFlight:      broker.NSQ.MaxInFlight,
			Concurrency:      broker.NSQ.Concurrency,
			HandlerTimeout:   broker.HandlerTimeout,
		}, listenerLogger)
		if err != nil {
			return fmt.Errorf("create nsq listener: %w", err)
		}
		initializer.app.Listener = listener
		return nil
	}

	initializer.app.Listener = queue.NewAMQPListener(queue.AMQPListenerConfig{
		URL:            broker.AMQP.URL,
		Topology:       newTopology(broker.AMQP),
		Queue:          broker.AMQP.StatusQueue,
		Prefetch:       broker.AMQP.Prefetch,
		HandlerTimeout: broker.HandlerTimeout,
	}, listenerLogger)
	return nil
}

// initializeDirectory 创建用户与模板服务客户端
func (initializer *ApplicationInitializer) initializeDirectory(context.Context) error {
	services := initializer.configuration.Services

	initializer.app.Users = directory.NewUserClient(services.UserURL, services.Timeout)
	initializer.app.Templates = directory.NewTemplateClient(services.TemplateURL, services.Timeout)

	initializer.app.Probes["user_service"] = initializer.app.Users.Ping
	initializer.app.Probes["template_service"] = initializer.app.Templates.Ping
	return nil
}

// initializeOrchestrator 组装通知编排器
func (initializer *ApplicationInitializer) initializeOrchestrator() {
	initializer.app.Orchestrator = notification.New(
		notification.Dependencies{
			Statuses:    initializer.app.Statuses,
			Idempotency: initializer.app.Idempotency,
			Publisher:   initializer.app.Publisher,
			Users:       initializer.app.Users,
			Templates:   initializer.app.Templates,
		},
		logging.Component(initializer.logger, "Orchestrator"),
		notification.WithCallTimeout(initializer.configuration.Services.Timeout),
	)
}
