package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// DefaultKeyPrefix namespaces the shared rate-limit keys.
const DefaultKeyPrefix = "nimbus:rate_limit"

// RedisStore counts requests per tenant in fixed one-minute windows.
// Each window is one key, incremented per request and expired after a
// minute, so multiple gateway nodes share the same budget.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
	logger *zap.Logger
}

// NewRedisStore connects to the given redis URL. limit is the shared
// per-tenant requests-per-minute budget.
func NewRedisStore(url, prefix string, limit int, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.NewInternalWithCause("invalid redis url", err)
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if limit <= 0 {
		limit = DefaultConfig().RequestsPerMinute
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: prefix,
		limit:  int64(limit),
		logger: logger.With(zap.String("component", "ratelimit-store")),
	}, nil
}

// Allow increments the tenant's current window and denies once the
// count exceeds the shared budget. Transport errors are returned so
// the caller can fail open.
func (s *RedisStore) Allow(ctx context.Context, tenant string) (bool, int, error) {
	now := time.Now().Unix()
	key := fmt.Sprintf("%s:%s:%d", s.prefix, tenant, now/60)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}

	if incr.Val() > s.limit {
		retryAfter := int(60 - now%60)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
