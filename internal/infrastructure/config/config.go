package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat option surface. Every option binds to the uppercase
// form of its name in the environment (PORT, BACKEND_URL, CACHE_TTL_SECONDS…)
// and may also be set in an optional config.yaml.
type Config struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"` // development, staging, production

	// Backend selection. backend_url "direct" runs the in-process engine.
	BackendURL   string `mapstructure:"backend_url"`
	BackendType  string `mapstructure:"backend_type"`
	ModelID      string `mapstructure:"model_id"` // "auto" triggers detection
	BackendToken string `mapstructure:"backend_token"`
	ForceAdapter string `mapstructure:"force_adapter"` // auto, lightllm, openai

	// Outbound HTTP client.
	HTTPClientTimeout               int `mapstructure:"http_client_timeout"` // seconds
	HTTPClientMaxConnections        int `mapstructure:"http_client_max_connections"`
	HTTPClientMaxConnectionsPerHost int `mapstructure:"http_client_max_connections_per_host"`

	// Streaming.
	StreamingChunkSize         int `mapstructure:"streaming_chunk_size"`          // bytes
	StreamingTimeout           int `mapstructure:"streaming_timeout"`             // seconds, absolute cap
	StreamingKeepAliveInterval int `mapstructure:"streaming_keep_alive_interval"` // seconds

	// Feature flags.
	EnableStreaming    bool `mapstructure:"enable_streaming"`
	EnableBatching     bool `mapstructure:"enable_batching"`
	EnableRateLimiting bool `mapstructure:"enable_rate_limiting"`
	EnableCaching      bool `mapstructure:"enable_caching"`
	EnableMetrics      bool `mapstructure:"enable_metrics"`
	EnableHealthChecks bool `mapstructure:"enable_health_checks"`

	// Health probing.
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`

	// Rate limiting.
	RateLimitRequestsPerMinute int    `mapstructure:"rate_limit_requests_per_minute"`
	RateLimitBurstSize         int    `mapstructure:"rate_limit_burst_size"`
	RateLimitTokensPerSecond   int    `mapstructure:"rate_limit_tokens_per_second"`
	RateLimitTokensPerMinute   int    `mapstructure:"rate_limit_tokens_per_minute"`
	RateLimitDistributed       bool   `mapstructure:"rate_limit_distributed"`
	RateLimitRedisURL          string `mapstructure:"rate_limit_redis_url"`
	RateLimitRedisPrefix       string `mapstructure:"rate_limit_redis_prefix"`

	// Cache.
	CacheTTLSeconds   int    `mapstructure:"cache_ttl_seconds"`
	CacheMaxSize      int    `mapstructure:"cache_max_size"`
	CacheStrategy     string `mapstructure:"cache_strategy"` // lru, lfu, fifo
	CacheAllowSampled bool   `mapstructure:"cache_allow_sampled"`

	// Auth.
	APIKeyHeader            string `mapstructure:"api_key_header"`
	APIKeyValidationEnabled bool   `mapstructure:"api_key_validation_enabled"`
	ValidAPIKeys            string `mapstructure:"valid_api_keys"` // comma-separated

	// CORS.
	CORSOrigin  string `mapstructure:"cors_origin"`
	CORSMethods string `mapstructure:"cors_methods"`
	CORSHeaders string `mapstructure:"cors_headers"`

	// Admin/UI proxy upstream.
	UIBaseURL string `mapstructure:"ui_base_url"`

	// Load balancer pool.
	LoadBalancerStrategy string `mapstructure:"load_balancer_strategy"`
	PoolManifestPath     string `mapstructure:"pool_manifest_path"`

	// Batching.
	BatchMaxSize   int `mapstructure:"batch_max_size"`
	BatchMaxWaitMS int `mapstructure:"batch_max_wait_ms"`

	// Request handling.
	StrictValidation bool `mapstructure:"strict_validation"`
	ToolLoopLimit    int  `mapstructure:"tool_loop_limit"`

	// Logging.
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogOutputPath string `mapstructure:"log_output_path"`
}

// Load reads defaults, an optional config.yaml, and the environment.
// A non-empty configFile names an explicit file that must exist; the
// default is to search the working directory and ./config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Option names map to their uppercase forms: backend_url <- BACKEND_URL.
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("environment", "development")

	v.SetDefault("backend_url", "http://localhost:8000")
	v.SetDefault("backend_type", "lightllm")
	v.SetDefault("model_id", "llama")
	v.SetDefault("backend_token", "")
	v.SetDefault("force_adapter", "auto")

	v.SetDefault("http_client_timeout", 30)
	v.SetDefault("http_client_max_connections", 100)
	v.SetDefault("http_client_max_connections_per_host", 10)

	v.SetDefault("streaming_chunk_size", 1024)
	v.SetDefault("streaming_timeout", 300)
	v.SetDefault("streaming_keep_alive_interval", 30)

	v.SetDefault("enable_streaming", true)
	v.SetDefault("enable_batching", false)
	v.SetDefault("enable_rate_limiting", true)
	v.SetDefault("enable_caching", false)
	v.SetDefault("enable_metrics", true)
	v.SetDefault("enable_health_checks", true)

	v.SetDefault("health_check_interval_seconds", 30)

	v.SetDefault("rate_limit_requests_per_minute", 60)
	v.SetDefault("rate_limit_burst_size", 10)
	v.SetDefault("rate_limit_tokens_per_second", 1000)
	v.SetDefault("rate_limit_tokens_per_minute", 60000)
	v.SetDefault("rate_limit_distributed", false)
	v.SetDefault("rate_limit_redis_url", "redis://localhost:6379")
	v.SetDefault("rate_limit_redis_prefix", "nimbus:rate_limit")

	v.SetDefault("cache_ttl_seconds", 300)
	v.SetDefault("cache_max_size", 1000)
	v.SetDefault("cache_strategy", "lru")
	v.SetDefault("cache_allow_sampled", false)

	v.SetDefault("api_key_header", "X-API-Key")
	v.SetDefault("api_key_validation_enabled", false)
	v.SetDefault("valid_api_keys", "")

	v.SetDefault("cors_origin", "*")
	v.SetDefault("cors_methods", "GET,POST,OPTIONS")
	v.SetDefault("cors_headers", "*")

	v.SetDefault("ui_base_url", "")

	v.SetDefault("load_balancer_strategy", "round_robin")
	v.SetDefault("pool_manifest_path", "")

	v.SetDefault("batch_max_size", 10)
	v.SetDefault("batch_max_wait_ms", 100)

	v.SetDefault("strict_validation", false)
	v.SetDefault("tool_loop_limit", 4)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output_path", "stdout")
}

var (
	validBackendTypes  = []string{"lightllm", "vllm", "openai", "azure", "aws", "custom", "direct"}
	validForceAdapters = []string{"auto", "lightllm", "openai"}
	validEnvironments  = []string{"development", "staging", "production"}
	validLogLevels     = []string{"error", "warn", "info", "debug"}
	validStrategies    = []string{"round_robin", "weighted", "least_connections", "health_based", "latency_based"}
	validCacheModes    = []string{"lru", "lfu", "fifo"}
)

// Validate returns an error for configurations the process must not start
// with. The caller exits with code 1 on failure. Softer concerns are
// reported by Warnings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}

	if c.BackendURL == "" {
		return fmt.Errorf("backend_url cannot be empty")
	}
	if c.BackendURL != "direct" {
		u, err := url.Parse(c.BackendURL)
		if err != nil {
			return fmt.Errorf("invalid backend_url %q: %w", c.BackendURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend_url scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("backend_url must include a host (e.g. http://localhost:8000)")
		}
	}

	if c.ModelID == "" {
		return fmt.Errorf("model_id cannot be empty")
	}
	for _, r := range c.ModelID {
		if !isModelIDChar(r) {
			return fmt.Errorf("model_id %q contains invalid character %q", c.ModelID, r)
		}
	}

	if !contains(validForceAdapters, c.ForceAdapter) {
		return fmt.Errorf("force_adapter must be one of %s, got %q", strings.Join(validForceAdapters, ", "), c.ForceAdapter)
	}
	if !contains(validEnvironments, c.Environment) {
		return fmt.Errorf("environment must be one of %s, got %q", strings.Join(validEnvironments, ", "), c.Environment)
	}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("log_level must be one of %s, got %q", strings.Join(validLogLevels, ", "), c.LogLevel)
	}
	if !contains(validStrategies, c.LoadBalancerStrategy) {
		return fmt.Errorf("load_balancer_strategy must be one of %s, got %q", strings.Join(validStrategies, ", "), c.LoadBalancerStrategy)
	}
	if !contains(validCacheModes, c.CacheStrategy) {
		return fmt.Errorf("cache_strategy must be one of %s, got %q", strings.Join(validCacheModes, ", "), c.CacheStrategy)
	}

	if c.HTTPClientTimeout <= 0 {
		return fmt.Errorf("http_client_timeout must be greater than 0")
	}
	if c.HTTPClientMaxConnections <= 0 {
		return fmt.Errorf("http_client_max_connections must be greater than 0")
	}
	if c.HTTPClientMaxConnectionsPerHost <= 0 {
		return fmt.Errorf("http_client_max_connections_per_host must be greater than 0")
	}

	if c.StreamingTimeout <= 0 {
		return fmt.Errorf("streaming_timeout must be greater than 0")
	}
	if c.StreamingChunkSize <= 0 {
		return fmt.Errorf("streaming_chunk_size must be greater than 0")
	}

	if c.RateLimitBurstSize <= 0 {
		return fmt.Errorf("rate_limit_burst_size must be greater than 0")
	}

	if c.CORSMethods == "" {
		return fmt.Errorf("cors_methods cannot be empty")
	}
	if c.CORSHeaders == "" {
		return fmt.Errorf("cors_headers cannot be empty")
	}

	return nil
}

// Warnings reports configurations that start but deserve operator attention.
func (c *Config) Warnings() []string {
	var warns []string

	if c.HTTPClientTimeout > 300 {
		warns = append(warns, fmt.Sprintf("http_client_timeout of %d seconds is very high", c.HTTPClientTimeout))
	}
	if c.HTTPClientMaxConnectionsPerHost > c.HTTPClientMaxConnections {
		warns = append(warns, "http_client_max_connections_per_host exceeds http_client_max_connections")
	}
	if c.RateLimitRequestsPerMinute == 0 {
		warns = append(warns, "rate_limit_requests_per_minute of 0 will block all requests")
	}
	if c.RateLimitBurstSize > c.RateLimitRequestsPerMinute && c.RateLimitRequestsPerMinute > 0 {
		warns = append(warns, "rate_limit_burst_size exceeds rate_limit_requests_per_minute")
	}
	if c.CacheTTLSeconds == 0 {
		warns = append(warns, "cache_ttl_seconds of 0 effectively disables caching")
	}
	if c.EnableCaching && c.CacheMaxSize > 10000 {
		warns = append(warns, fmt.Sprintf("cache_max_size of %d entries may consume significant memory", c.CacheMaxSize))
	}
	if c.EnableBatching && !c.EnableStreaming {
		warns = append(warns, "batching is enabled but streaming is disabled")
	}
	if !contains(validBackendTypes, c.BackendType) {
		warns = append(warns, fmt.Sprintf("unknown backend_type %q, valid options: %s", c.BackendType, strings.Join(validBackendTypes, ", ")))
	}
	if c.Environment == "production" {
		if c.CORSOrigin == "*" {
			warns = append(warns, "CORS origin '*' in production is not recommended")
		}
		if c.LogLevel == "debug" {
			warns = append(warns, "debug logging in production may expose sensitive information")
		}
		if strings.HasPrefix(c.BackendURL, "http://") {
			warns = append(warns, "plain HTTP backend in production is not recommended")
		}
	}
	if strings.Contains(c.BackendURL, "/v1/") && c.BackendToken == "" {
		warns = append(warns, "proxy-style backend URL without backend_token; upstream auth may fail")
	}

	return warns
}

// EffectiveModelID resolves model_id, applying detection when set to "auto".
// Detection looks at the token format first, then URL patterns.
func (c *Config) EffectiveModelID() string {
	if c.ModelID != "auto" {
		return c.ModelID
	}

	if tok := c.BackendToken; tok != "" {
		switch {
		case strings.HasPrefix(tok, "sk-"):
			if strings.Contains(c.BackendURL, "azure.com") {
				return "gpt-35-turbo"
			}
			if strings.Contains(c.BackendURL, "litellm") || strings.Contains(c.BackendURL, "proxy") {
				return "openai/gpt-3.5-turbo"
			}
			return "gpt-3.5-turbo"
		case strings.HasPrefix(tok, "AKIA"):
			return "anthropic.claude-3-sonnet-20240229-v1:0"
		case len(tok) >= 32 && isAlphanumeric(tok):
			return "gpt-35-turbo"
		}
	}

	switch {
	case strings.Contains(c.BackendURL, "azure.com"):
		return "gpt-35-turbo"
	case strings.Contains(c.BackendURL, "bedrock"), strings.Contains(c.BackendURL, "amazonaws.com"):
		return "anthropic.claude-3-sonnet-20240229-v1:0"
	case strings.Contains(c.BackendURL, "/v1"), strings.Contains(c.BackendURL, "openai.com"):
		return "gpt-3.5-turbo"
	case strings.Contains(c.BackendURL, "vllm"), strings.Contains(c.BackendURL, "lightllm"),
		strings.Contains(c.BackendURL, "localhost"):
		return "llama-2-7b-chat"
	default:
		return "gpt-3.5-turbo"
	}
}

// Addr is the host:port the server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout is the per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTPClientTimeout) * time.Second
}

// HealthCheckInterval is the probe sweep cadence.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// StreamTimeout is the absolute cap on one streaming response.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamingTimeout) * time.Second
}

// KeepAliveInterval is the idle cadence for SSE ping comments.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.StreamingKeepAliveInterval) * time.Second
}

// CacheTTL is the entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ValidKeyList splits the comma-separated valid_api_keys option.
func (c *Config) ValidKeyList() []string {
	if c.ValidAPIKeys == "" {
		return nil
	}
	parts := strings.Split(c.ValidAPIKeys, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

// IsDevelopment reports whether the development key shortcuts apply.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func isModelIDChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == '/', r == ':':
		return true
	}
	return false
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
