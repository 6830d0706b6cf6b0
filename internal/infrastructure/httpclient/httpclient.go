// Package httpclient builds the pooled outbound clients used for all
// backend traffic. One client is built per process and shared; the pool
// lives inside the transport.
package httpclient

import (
	"net"
	"net/http"
	"time"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Config holds the tunable client knobs.
type Config struct {
	RequestTimeout     time.Duration // overall per-request cap; zero means context-driven
	ConnectTimeout     time.Duration
	MaxConnections     int
	MaxIdlePerHost     int
	IdleTimeout        time.Duration
	KeepAlive          time.Duration
	DisableCompression bool
	ForceHTTP2         bool
}

// Default mirrors the standard production-ready settings: 30 s request
// timeout, 10 s connect, 10 idle connections per host, 90 s idle timeout
// and 60 s TCP keepalive, with compression negotiation on.
func Default() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxConnections: 100,
		MaxIdlePerHost: 10,
		IdleTimeout:    90 * time.Second,
		KeepAlive:      60 * time.Second,
	}
}

// Production raises the per-host pool and turns on HTTP/2.
func Production() Config {
	cfg := Default()
	cfg.MaxIdlePerHost = 20
	cfg.IdleTimeout = 120 * time.Second
	cfg.ForceHTTP2 = true
	return cfg
}

// Development relaxes timeouts for local debugging and disables
// compression so payloads stay readable on the wire.
func Development() Config {
	cfg := Default()
	cfg.RequestTimeout = 60 * time.Second
	cfg.ConnectTimeout = 15 * time.Second
	cfg.MaxIdlePerHost = 5
	cfg.DisableCompression = true
	return cfg
}

// Streaming drops the overall request timeout: SSE responses stay open
// long past any sane per-request cap, so the context deadline governs.
func Streaming(base Config) Config {
	base.RequestTimeout = 0
	return base
}

// New builds an *http.Client from cfg. Invalid settings fail with Internal.
func New(cfg Config) (*http.Client, error) {
	if cfg.ConnectTimeout <= 0 {
		return nil, apperrors.NewInternal("http client connect timeout must be positive")
	}
	if cfg.MaxIdlePerHost <= 0 {
		return nil, apperrors.NewInternal("http client per-host pool must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return nil, apperrors.NewInternal("http client request timeout cannot be negative")
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		IdleConnTimeout:     cfg.IdleTimeout,
		DisableCompression:  cfg.DisableCompression,
		ForceAttemptHTTP2:   cfg.ForceHTTP2,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}, nil
}

// FromOptions translates the flat config surface into a client Config,
// choosing the preset by environment.
func FromOptions(environment string, timeoutSeconds, maxConnections, maxPerHost int) Config {
	var cfg Config
	switch environment {
	case "production":
		cfg = Production()
	case "development":
		cfg = Development()
	default:
		cfg = Default()
	}
	if timeoutSeconds > 0 {
		cfg.RequestTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	if maxConnections > 0 {
		cfg.MaxConnections = maxConnections
	}
	if maxPerHost > 0 {
		cfg.MaxIdlePerHost = maxPerHost
	}
	return cfg
}
