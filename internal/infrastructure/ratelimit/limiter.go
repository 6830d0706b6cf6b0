package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

// Priority orders requests for admission. Critical requests are never
// denied; when a bucket lacks tokens they pass without consuming.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority maps a header value to a priority. Unknown values are
// treated as normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

type Config struct {
	RequestsPerMinute int
	BurstSize         int
	TokensPerSecond   int
	TokensPerMinute   int
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		TokensPerSecond:   1000,
		TokensPerMinute:   60000,
	}
}

// Result reports an admission decision. RetryAfter is in seconds and
// comes from the first bucket that denied.
type Result struct {
	Allowed           bool
	RemainingRequests int64
	RemainingTokens   int64
	RetryAfter        int
}

// Store is an optional shared admission check consulted per tenant,
// e.g. a Redis fixed-window counter. Errors fail open.
type Store interface {
	Allow(ctx context.Context, tenant string) (allowed bool, retryAfter int, err error)
}

// Limiter admits requests through three global buckets and one lazily
// created bucket per tenant. Denial does not return tokens already
// taken during the same attempt; refill covers the difference.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	requests  *Bucket // 1 token per request
	tokensSec *Bucket // token estimate, per-second tier
	tokensMin *Bucket // token estimate, per-minute tier

	tenants sync.Map // tenant → *Bucket
	store   Store

	allowed uint64
	denied  uint64
}

type Stats struct {
	Allowed          uint64 `json:"allowed"`
	Denied           uint64 `json:"denied"`
	RequestsAvail    int64  `json:"requests_available"`
	SecondTokenAvail int64  `json:"tokens_second_available"`
	MinuteTokenAvail int64  `json:"tokens_minute_available"`
	ActiveTenants    int    `json:"active_tenants"`
}

func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = def.TokensPerSecond
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = def.TokensPerMinute
	}

	rps := float64(cfg.RequestsPerMinute) / 60
	return &Limiter{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "ratelimit")),
		requests:  NewBucket(int64(cfg.BurstSize), rps),
		tokensSec: NewBucket(int64(cfg.TokensPerSecond), float64(cfg.TokensPerSecond)),
		tokensMin: NewBucket(int64(cfg.TokensPerMinute), float64(cfg.TokensPerMinute)/60),
	}
}

// WithStore attaches a shared admission store consulted after the
// local buckets.
func (l *Limiter) WithStore(s Store) *Limiter {
	l.store = s
	return l
}

// EstimateTokens approximates the token cost of a request as one
// quarter of the total content length, never below 1.
func EstimateTokens(req *chat.ChatRequest) int64 {
	est := int64(req.ContentChars() / 4)
	if est < 1 {
		est = 1
	}
	return est
}

// Allow admits or denies a request for the given tenant. Buckets are
// checked in order: global requests, tokens/s, tokens/min, tenant,
// then the shared store when configured.
func (l *Limiter) Allow(ctx context.Context, tenant string, req *chat.ChatRequest, priority Priority) Result {
	estimate := EstimateTokens(req)

	ok, remReq, retry := l.requests.TryConsume(1)
	if !ok && priority < PriorityCritical {
		return l.deny(tenant, "requests", retry, remReq)
	}

	ok, _, retry = l.tokensSec.TryConsume(estimate)
	if !ok && priority < PriorityCritical {
		return l.deny(tenant, "tokens_second", retry, remReq)
	}

	ok, remTok, retry := l.tokensMin.TryConsume(estimate)
	if !ok && priority < PriorityCritical {
		return l.deny(tenant, "tokens_minute", retry, remReq)
	}

	ok, _, retry = l.tenantBucket(tenant).TryConsume(1)
	if !ok && priority < PriorityCritical {
		return l.deny(tenant, "tenant", retry, remReq)
	}

	if l.store != nil && priority < PriorityCritical {
		allowed, storeRetry, err := l.store.Allow(ctx, tenant)
		if err != nil {
			l.logger.Warn("shared store unavailable, admitting locally",
				zap.String("tenant", tenant), zap.Error(err))
		} else if !allowed {
			return l.deny(tenant, "shared_store", storeRetry, remReq)
		}
	}

	atomic.AddUint64(&l.allowed, 1)
	return Result{
		Allowed:           true,
		RemainingRequests: remReq,
		RemainingTokens:   remTok,
	}
}

func (l *Limiter) deny(tenant, bucket string, retryAfter int, remReq int64) Result {
	atomic.AddUint64(&l.denied, 1)
	l.logger.Debug("request denied",
		zap.String("tenant", tenant),
		zap.String("bucket", bucket),
		zap.Int("retry_after", retryAfter),
	)
	return Result{
		Allowed:           false,
		RemainingRequests: remReq,
		RemainingTokens:   l.tokensMin.Available(),
		RetryAfter:        retryAfter,
	}
}

// tenantBucket returns the bucket for a tenant, creating it on first
// use with the request-tier parameters.
func (l *Limiter) tenantBucket(tenant string) *Bucket {
	if b, ok := l.tenants.Load(tenant); ok {
		return b.(*Bucket)
	}
	rps := float64(l.cfg.RequestsPerMinute) / 60
	b, _ := l.tenants.LoadOrStore(tenant, NewBucket(int64(l.cfg.BurstSize), rps))
	return b.(*Bucket)
}

func (l *Limiter) Stats() Stats {
	active := 0
	l.tenants.Range(func(_, _ interface{}) bool {
		active++
		return true
	})
	return Stats{
		Allowed:          atomic.LoadUint64(&l.allowed),
		Denied:           atomic.LoadUint64(&l.denied),
		RequestsAvail:    l.requests.Available(),
		SecondTokenAvail: l.tokensSec.Available(),
		MinuteTokenAvail: l.tokensMin.Available(),
		ActiveTenants:    active,
	}
}
