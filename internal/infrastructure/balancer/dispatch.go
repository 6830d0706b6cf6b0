package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
)

const (
	// DefaultRetryAttempts is the total tries across members.
	DefaultRetryAttempts = 3
	// DefaultRetryBase seeds the exponential backoff.
	DefaultRetryBase = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps one backoff wait.
	DefaultRetryMaxDelay = 10 * time.Second

	// maxRetryAfterSeconds caps upstream Retry-After hints.
	maxRetryAfterSeconds = 3600
)

// RetryPolicy bounds the cross-member retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the stock 3-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultRetryAttempts,
		BaseDelay:   DefaultRetryBase,
		MaxDelay:    DefaultRetryMaxDelay,
	}
}

func (rp RetryPolicy) normalized() RetryPolicy {
	if rp.MaxAttempts <= 0 {
		rp.MaxAttempts = DefaultRetryAttempts
	}
	if rp.BaseDelay <= 0 {
		rp.BaseDelay = DefaultRetryBase
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = DefaultRetryMaxDelay
	}
	return rp
}

// delay computes base*2^(attempt-1) with up to 50% random jitter,
// capped at MaxDelay. attempt is 1-based.
func (rp RetryPolicy) delay(attempt int) time.Duration {
	d := rp.BaseDelay << (attempt - 1)
	if d <= 0 || d > rp.MaxDelay {
		d = rp.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	if d+jitter > rp.MaxDelay {
		return rp.MaxDelay
	}
	return d + jitter
}

// Dispatch routes a non-streaming call through the pool, retrying
// retryable failures on freshly selected members. Conclusive upstream
// answers, including non-429 4xx statuses, return as-is.
func (p *Pool) Dispatch(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error) {
	var (
		lastErr error
		lastRes *backend.Result
	)

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}

		m, err := p.Select()
		if err != nil {
			lastErr = err
		} else {
			var res *backend.Result
			res, err = p.tryMember(ctx, m, req)
			switch {
			case err == nil && !retryableStatus(res.Status):
				return res, nil
			case err == nil:
				lastRes, lastErr = res, nil
			default:
				if !shouldRetry(ctx, err) {
					return nil, err
				}
				lastRes, lastErr = nil, err
			}
		}

		if attempt == p.retry.MaxAttempts {
			break
		}

		wait := p.retry.delay(attempt)
		if lastRes != nil && lastRes.Status == http.StatusTooManyRequests {
			if ra := parseRetryAfter(lastRes.RetryAfter); ra > 0 {
				wait = ra
			}
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			break
		}

		p.logger.Warn("backend call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}

	if lastRes != nil {
		return lastRes, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apperrors.NewUpstream("all backends failed")
}

// tryMember runs one admitted call and records its outcome.
func (p *Pool) tryMember(ctx context.Context, m *Member, req *chat.ChatRequest) (*backend.Result, error) {
	if err := m.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.Release()

	if !m.Admit() {
		return nil, apperrors.NewUpstream(fmt.Sprintf("backend %s circuit open", m.ID))
	}

	start := time.Now()
	res, err := m.adapter.ChatJSON(ctx, req)
	latency := time.Since(start)

	switch {
	case err == nil && !failureStatus(res.Status):
		m.RecordSuccess(latency)
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		// The caller went away; no verdict on the backend.
		m.Abandon()
	default:
		m.RecordFailure()
	}
	return res, err
}

// OpenStream selects a member and opens a streaming call. The returned
// reader holds the member's permit until closed. Retries apply only to
// opening; once bytes flow the stream is never restarted.
func (p *Pool) OpenStream(ctx context.Context, req *chat.ChatRequest) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}

		m, err := p.Select()
		if err == nil {
			var rc io.ReadCloser
			rc, err = p.tryStream(ctx, m, req)
			if err == nil {
				return rc, nil
			}
			if !shouldRetry(ctx, err) {
				return nil, err
			}
		}
		lastErr = err

		if attempt == p.retry.MaxAttempts {
			break
		}
		wait := p.retry.delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			break
		}
		p.logger.Warn("stream open failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = apperrors.NewUpstream("all backends failed")
	}
	return nil, lastErr
}

func (p *Pool) tryStream(ctx context.Context, m *Member, req *chat.ChatRequest) (io.ReadCloser, error) {
	if err := m.Acquire(ctx); err != nil {
		return nil, err
	}

	if !m.Admit() {
		m.Release()
		return nil, apperrors.NewUpstream(fmt.Sprintf("backend %s circuit open", m.ID))
	}

	start := time.Now()
	rc, err := m.adapter.ChatStream(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			m.Abandon()
		} else {
			m.RecordFailure()
		}
		m.Release()
		return nil, err
	}

	// An open stream is the success verdict; per-event failures further
	// down are not attributable to member health.
	m.RecordSuccess(time.Since(start))
	return &memberStream{ReadCloser: rc, member: m}, nil
}

// memberStream returns the member's permit when the stream closes.
type memberStream struct {
	io.ReadCloser
	member *Member
	once   sync.Once
}

func (s *memberStream) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.member.Release)
	return err
}

// failureStatus reports statuses that count against backend health.
func failureStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// retryableStatus mirrors failureStatus: 5xx and 429 earn another
// attempt, other 4xx are conclusive.
func retryableStatus(status int) bool {
	return failureStatus(status)
}

// shouldRetry classifies transport errors for another attempt.
// Upstream and rate-limit kinds always retry; timeouts retry while the
// caller's own deadline still has budget.
func shouldRetry(ctx context.Context, err error) bool {
	if apperrors.Retryable(err) {
		return true
	}
	if apperrors.KindOf(err) == apperrors.KindDeadlineExceeded {
		return ctx.Err() == nil
	}
	return false
}

// parseRetryAfter reads an integer-seconds Retry-After hint, capped at
// one hour. HTTP-date forms are ignored.
func parseRetryAfter(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	secs, err := strconv.Atoi(s)
	if err != nil || secs <= 0 {
		return 0
	}
	if secs > maxRetryAfterSeconds {
		secs = maxRetryAfterSeconds
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewDeadlineExceeded("request deadline exhausted")
	}
	return apperrors.Wrap(ctx.Err(), apperrors.KindInternal, "request cancelled")
}
