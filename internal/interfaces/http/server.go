package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
)

// Config carries the listener address, gin mode selection, and the
// middleware settings.
type Config struct {
	Host        string
	Port        int
	Environment string

	CORSOrigin  string
	CORSMethods string
	CORSHeaders string

	Auth AuthConfig

	// EnableMetrics controls whether /metrics is routed.
	EnableMetrics bool
}

// Handlers groups the route handlers the server mounts. Admin may be
// nil when no upstream console is configured.
type Handlers struct {
	Completions *handlers.CompletionsHandler
	Messages    *handlers.MessagesHandler
	System      *handlers.SystemHandler
	Admin       *handlers.AdminHandler
}

// Server wraps the HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the gin engine with the middleware stack and routes.
func NewServer(cfg Config, h Handlers, logger *zap.Logger) *Server {
	router := newRouter(cfg, h, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

func newRouter(cfg Config, h Handlers, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	router.Use(corsMiddleware(cfg.CORSOrigin, cfg.CORSMethods, cfg.CORSHeaders))
	router.Use(authMiddleware(cfg.Auth, logger))

	setupRoutes(router, h, cfg.EnableMetrics)
	return router
}

// Start begins serving. Listen errors after startup are logged, not
// returned; the caller owns lifecycle via Stop.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the listener down, draining in-flight requests until the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// adminRoutes is the method-agnostic console surface.
var adminRoutes = []string{
	"/v1/ui",
	"/v1/ui/*path",
	"/ui",
	"/ui/*path",
	"/sso/*path",
	"/login",
	"/litellm-asset-prefix/*path",
	"/.well-known/*path",
	"/litellm/*path",
	"/favicon.ico",
}

func setupRoutes(router *gin.Engine, h Handlers, metricsEnabled bool) {
	router.GET("/health", h.System.Health)
	if metricsEnabled {
		router.GET("/metrics", h.System.Metrics)
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", h.Completions.ChatCompletions)
		v1.POST("/messages", h.Messages.Messages)
	}

	if h.Admin != nil {
		for _, route := range adminRoutes {
			router.Any(route, h.Admin.Proxy)
		}
	}
}

// ginLogger logs one line per request.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
		)
	}
}
