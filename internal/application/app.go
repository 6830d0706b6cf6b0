package application

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/application/usecase"
	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/domain/tool"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
	"github.com/nimbusllm/gateway/internal/infrastructure/balancer"
	"github.com/nimbusllm/gateway/internal/infrastructure/cache"
	"github.com/nimbusllm/gateway/internal/infrastructure/config"
	"github.com/nimbusllm/gateway/internal/infrastructure/httpclient"
	"github.com/nimbusllm/gateway/internal/infrastructure/monitoring"
	"github.com/nimbusllm/gateway/internal/infrastructure/ratelimit"
	"github.com/nimbusllm/gateway/internal/infrastructure/streaming"
	httpserver "github.com/nimbusllm/gateway/internal/interfaces/http"
	"github.com/nimbusllm/gateway/internal/interfaces/http/handlers"
)

// Version is reported by /health and the version subcommand.
const Version = "0.4.0"

// metricsReportInterval is the cadence of the throughput log line.
const metricsReportInterval = 10 * time.Second

// App wires the gateway together: outbound clients, the optional
// cache/limiter/pool stages, the completion pipeline, and the HTTP
// server. Construction is staged; a failure in any stage aborts startup.
type App struct {
	config *config.Config
	logger *zap.Logger

	// Infrastructure
	jsonClient   *http.Client
	streamClient *http.Client
	monitor      *monitoring.Monitor
	cache        *cache.Cache
	limiter      *ratelimit.Limiter
	redisStore   *ratelimit.RedisStore
	streamer     *streaming.Streamer
	adapter      backend.Adapter
	pool         *balancer.Pool
	batcher      *balancer.Batcher
	prober       *balancer.Prober
	watcher      *balancer.ManifestWatcher

	// Domain services
	toolRegistry *tool.Registry
	toolExecutor *tool.Executor

	// Application services
	completionUC *usecase.CompletionUseCase

	// Interfaces
	httpServer *httpserver.Server

	cancelBackground context.CancelFunc
}

// New builds the dependency container.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initInfrastructure builds the outbound clients and the optional
// pipeline stages. The streaming client carries no overall timeout, so
// adapters are bounded by request contexts rather than the transport.
func (app *App) initInfrastructure() error {
	cfg := app.config
	app.logger.Info("Initializing infrastructure")

	base := httpclient.FromOptions(cfg.Environment,
		cfg.HTTPClientTimeout, cfg.HTTPClientMaxConnections, cfg.HTTPClientMaxConnectionsPerHost)

	jsonClient, err := httpclient.New(base)
	if err != nil {
		return err
	}
	app.jsonClient = jsonClient

	streamClient, err := httpclient.New(httpclient.Streaming(base))
	if err != nil {
		return err
	}
	app.streamClient = streamClient

	// The monitor always runs: /health reports uptime from it even
	// when the metrics route is disabled.
	app.monitor = monitoring.NewMonitor(app.logger)

	if cfg.EnableCaching {
		app.cache = cache.New(cache.Config{
			TTL:      cfg.CacheTTL(),
			MaxSize:  cfg.CacheMaxSize,
			Strategy: cfg.CacheStrategy,
		}, app.logger)
	}

	if cfg.EnableRateLimiting {
		app.limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRequestsPerMinute,
			BurstSize:         cfg.RateLimitBurstSize,
			TokensPerSecond:   cfg.RateLimitTokensPerSecond,
			TokensPerMinute:   cfg.RateLimitTokensPerMinute,
		}, app.logger)

		if cfg.RateLimitDistributed {
			store, err := ratelimit.NewRedisStore(
				cfg.RateLimitRedisURL, cfg.RateLimitRedisPrefix,
				cfg.RateLimitRequestsPerMinute, app.logger)
			if err != nil {
				// Fail open: local buckets still enforce limits.
				app.logger.Warn("Redis rate-limit store unavailable, using local buckets only",
					zap.Error(err))
			} else {
				app.redisStore = store
				app.limiter = app.limiter.WithStore(store)
			}
		}
	}

	app.streamer = streaming.NewStreamer(streaming.Config{
		KeepAlive: cfg.KeepAliveInterval(),
	}, app.logger)

	if err := app.initBackends(); err != nil {
		return err
	}

	return nil
}

// initBackends wires the dispatch topology. A pool manifest switches
// the gateway to load-balanced mode with hot reload; otherwise a single
// adapter is selected from the backend URL. Batching wraps a lone
// adapter in a one-member pool because the coalescer dispatches
// through pool scheduling.
func (app *App) initBackends() error {
	cfg := app.config

	if cfg.PoolManifestPath != "" {
		pool := balancer.NewPool(balancer.PoolConfig{
			Strategy: balancer.ParseStrategy(cfg.LoadBalancerStrategy),
			Retry:    balancer.DefaultRetryPolicy(),
		}, app.logger)

		watcher, err := balancer.NewManifestWatcher(cfg.PoolManifestPath, pool, app.streamClient, app.logger)
		if err != nil {
			return err
		}
		if err := watcher.Apply(); err != nil {
			return fmt.Errorf("failed to load pool manifest: %w", err)
		}
		app.pool = pool
		app.watcher = watcher

		if cfg.EnableHealthChecks {
			app.prober = balancer.NewProber(pool, cfg.HealthCheckInterval(), app.logger)
		}
	} else {
		app.adapter = backend.Select(backend.Config{
			BaseURL: cfg.BackendURL,
			ModelID: cfg.EffectiveModelID(),
			Token:   cfg.BackendToken,
		}, cfg.ForceAdapter, app.streamClient, app.logger)

		app.logger.Info("Backend adapter selected",
			zap.String("adapter", app.adapter.Name()),
			zap.String("url", cfg.BackendURL),
			zap.String("model", app.adapter.ModelID()),
		)
	}

	if cfg.EnableBatching {
		pool := app.pool
		if pool == nil {
			pool = balancer.NewPool(balancer.PoolConfig{
				Strategy: balancer.StrategyRoundRobin,
				Retry:    balancer.DefaultRetryPolicy(),
			}, app.logger)
			pool.Add(balancer.NewMember(balancer.MemberConfig{ID: "primary"}, app.adapter))
			app.pool = pool
		}
		app.batcher = balancer.NewBatcher(pool, balancer.BatcherConfig{
			Size:   cfg.BatchMaxSize,
			Window: time.Duration(cfg.BatchMaxWaitMS) * time.Millisecond,
		}, app.logger)
	}

	return nil
}

// initDomainServices builds the tool registry and executor. The
// registry starts empty; requests declare their own tools, and local
// handlers may be registered by embedders.
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	app.toolRegistry = tool.NewRegistry()
	app.toolExecutor = tool.NewExecutor(app.toolRegistry, app.logger)

	return nil
}

// initApplicationServices builds the completion pipeline.
func (app *App) initApplicationServices() error {
	cfg := app.config
	app.logger.Info("Initializing application services")

	app.completionUC = usecase.NewCompletionUseCase(
		usecase.Deps{
			Backend:  &dispatcher{adapter: app.adapter, pool: app.pool, batcher: app.batcher, modelID: cfg.EffectiveModelID()},
			Cache:    app.cache,
			Limiter:  app.limiter,
			Monitor:  app.monitor,
			Streamer: app.streamer,
			Executor: app.toolExecutor,
		},
		usecase.Config{
			RequestTimeout:  cfg.RequestTimeout(),
			StreamTimeout:   cfg.StreamTimeout(),
			StrictDecode:    cfg.StrictValidation,
			EnableLimiter:   cfg.EnableRateLimiting,
			EnableCache:     cfg.EnableCaching,
			CacheSampled:    cfg.CacheAllowSampled,
			EnableStreaming: cfg.EnableStreaming,
			ToolLoopLimit:   cfg.ToolLoopLimit,
		},
		app.logger,
	)

	return nil
}

// initInterfaces builds the HTTP handlers and server.
func (app *App) initInterfaces() error {
	cfg := app.config
	app.logger.Info("Initializing interfaces")

	completions := handlers.NewCompletionsHandler(app.completionUC, cfg.APIKeyHeader, app.logger)
	messages := handlers.NewMessagesHandler(app.completionUC, cfg.APIKeyHeader, app.logger)
	system := handlers.NewSystemHandler(Version, handlers.SystemDeps{
		Monitor: app.monitor,
		Cache:   app.cache,
		Limiter: app.limiter,
		Pool:    app.pool,
		Batcher: app.batcher,
	}, app.logger)

	// The admin proxy needs a real upstream to forward to. "direct"
	// is the in-process engine, which serves no console.
	var admin *handlers.AdminHandler
	if cfg.UIBaseURL != "" || cfg.BackendURL != "direct" {
		admin = handlers.NewAdminHandler(cfg.UIBaseURL, cfg.BackendURL, app.jsonClient, app.logger)
	}

	app.httpServer = httpserver.NewServer(
		httpserver.Config{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Environment: cfg.Environment,
			CORSOrigin:  cfg.CORSOrigin,
			CORSMethods: cfg.CORSMethods,
			CORSHeaders: cfg.CORSHeaders,
			Auth: httpserver.AuthConfig{
				Enabled:      cfg.APIKeyValidationEnabled,
				Header:       cfg.APIKeyHeader,
				BackendToken: cfg.BackendToken,
				ValidKeys:    cfg.ValidKeyList(),
				Development:  cfg.IsDevelopment(),
			},
			EnableMetrics: cfg.EnableMetrics,
		},
		httpserver.Handlers{
			Completions: completions,
			Messages:    messages,
			System:      system,
			Admin:       admin,
		},
		app.logger,
	)

	return nil
}

// Start launches the HTTP server and the background tasks. Background
// goroutines stop when ctx ends or when Stop cancels them.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application", zap.String("version", Version))

	bg, cancel := context.WithCancel(ctx)
	app.cancelBackground = cancel

	if app.cache != nil {
		app.cache.StartJanitor(bg)
	}
	if app.config.EnableMetrics {
		app.monitor.StartReporter(bg, metricsReportInterval)
	}
	if app.prober != nil {
		app.prober.Run(bg)
	}
	if app.watcher != nil {
		if err := app.watcher.Watch(bg); err != nil {
			app.logger.Warn("Manifest hot-reload unavailable", zap.Error(err))
		}
	}

	if err := app.httpServer.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully",
		zap.String("address", app.config.Addr()),
	)
	return nil
}

// Stop drains the server within the ctx deadline, then tears down the
// background tasks. The batcher flushes its open window before closing.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.cancelBackground != nil {
		app.cancelBackground()
	}
	if app.batcher != nil {
		app.batcher.Close()
	}
	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			app.logger.Error("Failed to close manifest watcher", zap.Error(err))
		}
	}
	if app.redisStore != nil {
		if err := app.redisStore.Close(); err != nil {
			app.logger.Error("Failed to close Redis store", zap.Error(err))
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// dispatcher routes canonical requests to whatever topology is
// configured. Precedence: batcher for non-streaming JSON, then pool,
// then the single adapter. Streams never batch.
type dispatcher struct {
	adapter backend.Adapter
	pool    *balancer.Pool
	batcher *balancer.Batcher
	modelID string
}

func (d *dispatcher) ChatJSON(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error) {
	if d.batcher != nil {
		return d.batcher.Do(ctx, req)
	}
	if d.pool != nil {
		return d.pool.Dispatch(ctx, req)
	}
	return d.adapter.ChatJSON(ctx, req)
}

func (d *dispatcher) ChatStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	if d.pool != nil {
		return d.pool.OpenStream(ctx, req)
	}
	return d.adapter.ChatStream(ctx, req)
}

func (d *dispatcher) ModelID() string {
	if d.adapter != nil {
		return d.adapter.ModelID()
	}
	return d.modelID
}
