package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/infrastructure/balancer"
	"github.com/nimbusllm/gateway/internal/infrastructure/cache"
	"github.com/nimbusllm/gateway/internal/infrastructure/monitoring"
	"github.com/nimbusllm/gateway/internal/infrastructure/ratelimit"
)

const serviceName = "nimbus-gateway"

// SystemDeps are the subsystems the system endpoints report on. All
// but Monitor may be nil when the corresponding stage is disabled.
type SystemDeps struct {
	Monitor *monitoring.Monitor
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Pool    *balancer.Pool
	Batcher *balancer.Batcher
}

// SystemHandler serves the health and metrics endpoints.
type SystemHandler struct {
	version string
	deps    SystemDeps
	logger  *zap.Logger
}

func NewSystemHandler(version string, deps SystemDeps, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		version: version,
		deps:    deps,
		logger:  logger,
	}
}

// Health handles GET /health.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"service":        serviceName,
		"version":        h.version,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(h.deps.Monitor.Uptime().Seconds()),
	})
}

// metricsResponse flattens the monitor snapshot and appends the
// subsystem sections that are wired.
type metricsResponse struct {
	monitoring.Snapshot
	Cache     *cache.Stats           `json:"cache,omitempty"`
	RateLimit *ratelimit.Stats       `json:"rate_limit,omitempty"`
	Pool      []balancer.MemberStats `json:"pool,omitempty"`
	Batcher   *balancer.BatcherStats `json:"batcher,omitempty"`
}

// Metrics handles GET /metrics.
func (h *SystemHandler) Metrics(c *gin.Context) {
	out := metricsResponse{Snapshot: h.deps.Monitor.Snapshot()}
	if h.deps.Cache != nil {
		s := h.deps.Cache.Stats()
		out.Cache = &s
	}
	if h.deps.Limiter != nil {
		s := h.deps.Limiter.Stats()
		out.RateLimit = &s
	}
	if h.deps.Pool != nil {
		out.Pool = h.deps.Pool.Stats()
	}
	if h.deps.Batcher != nil {
		s := h.deps.Batcher.Stats()
		out.Batcher = &s
	}
	c.JSON(http.StatusOK, out)
}
