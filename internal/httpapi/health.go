package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthTimeout = 3 * time.Second

	healthUp   = "up"
	healthDown = "down"
)

// Probe 依赖可达性检查
type Probe func(ctx context.Context) error

// HealthHandler 依赖健康检查
type HealthHandler struct {
	probes  map[string]Probe
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(probes map[string]Probe, timeout time.Duration, logger logrus.FieldLogger) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	return &HealthHandler{
		probes:  probes,
		timeout: timeout,
		logger:  logger,
	}
}

// Ready 并发检查所有依赖,任一不可达返回 503
// GET /api/v1/health
func (handler *HealthHandler) Ready(context *gin.Context) {
	results := handler.check(context.Request.Context())

	healthy := true
	for _, state := range results {
		if state != healthUp {
			healthy = false
			break
		}
	}

	if !healthy {
		context.JSON(http.StatusServiceUnavailable, Envelope{
			Success: false,
			Message: "One or more dependencies are unavailable",
			Data:    results,
			Error:   "UPSTREAM_UNAVAILABLE",
		})
		return
	}

	writeSuccess(context, http.StatusOK, "All dependencies are healthy", results, nil)
}

// Live 进程存活检查
// GET /api/v1/health/live
func (handler *HealthHandler) Live(context *gin.Context) {
	writeSuccess(context, http.StatusOK, "ok", gin.H{"status": healthUp}, nil)
}

func (handler *HealthHandler) check(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, handler.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(handler.probes))
		group   errgroup.Group
	)

	for name, probe := range handler.probes {
		group.Go(func() error {
			state := healthUp
			if err := probe(ctx); err != nil {
				state = healthDown
				handler.logger.WithError(err).WithField("dependency", name).Warn("health probe failed")
			}

			mu.Lock()
			results[name] = state
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()
	return results
}
