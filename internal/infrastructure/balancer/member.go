package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"

	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
)

// DefaultMaxConcurrent bounds in-flight requests per member.
const DefaultMaxConcurrent = 100

// ewmaAlpha weights the newest latency sample.
const ewmaAlpha = 0.1

// MemberConfig shapes one pool member. Zero values fall back to
// defaults; an empty ID falls back to the adapter name.
type MemberConfig struct {
	ID               string
	Weight           int
	MaxConcurrent    int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Member wraps one upstream adapter with per-backend concurrency
// control, health state, and latency accounting.
type Member struct {
	ID     string
	Weight int

	adapter backend.Adapter
	permits chan struct{}

	mu      sync.RWMutex
	brk     *breaker
	healthy bool
	active  int
	total   uint64
	success uint64
	failure uint64
	ewma    float64 // milliseconds
}

// MemberStats is a point-in-time snapshot of one member.
type MemberStats struct {
	ID                  string  `json:"id"`
	Backend             string  `json:"backend"`
	Weight              int     `json:"weight"`
	Healthy             bool    `json:"healthy"`
	BreakerState        string  `json:"breaker_state"`
	ActiveConnections   int     `json:"active_connections"`
	TotalRequests       uint64  `json:"total_requests"`
	SuccessfulRequests  uint64  `json:"successful_requests"`
	FailedRequests      uint64  `json:"failed_requests"`
	AvgResponseTimeMS   float64 `json:"avg_response_time_ms"`
	ConsecutiveFailures int     `json:"circuit_breaker_failures"`
}

// NewMember wires an adapter into the pool. Members start healthy.
func NewMember(cfg MemberConfig, adapter backend.Adapter) *Member {
	id := cfg.ID
	if id == "" {
		id = adapter.Name()
	}
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Member{
		ID:      id,
		Weight:  weight,
		adapter: adapter,
		permits: make(chan struct{}, maxConcurrent),
		brk:     newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		healthy: true,
	}
}

// Adapter exposes the wrapped upstream adapter.
func (m *Member) Adapter() backend.Adapter { return m.adapter }

// Available reports whether selection may hand this member a request:
// the last probe passed and the breaker admits traffic.
func (m *Member) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy && m.brk.canAttempt()
}

// Admit claims the right to send one request, honoring the breaker's
// half-open single-probe rule. Every admitted call must end in
// RecordSuccess, RecordFailure, or Abandon.
func (m *Member) Admit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.brk.allow()
}

// Acquire takes a concurrency permit, waiting until the context ends.
func (m *Member) Acquire(ctx context.Context) error {
	select {
	case m.permits <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.NewDeadlineExceeded(fmt.Sprintf("backend %s is saturated", m.ID))
		}
		return apperrors.Wrap(ctx.Err(), apperrors.KindInternal, "request cancelled while queued")
	}
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	return nil
}

// Release returns a permit taken by Acquire.
func (m *Member) Release() {
	select {
	case <-m.permits:
	default:
		return
	}
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}

// RecordSuccess folds the latency sample into the EWMA and clears the
// failure run.
func (m *Member) RecordSuccess(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.success++
	if m.ewma == 0 {
		m.ewma = ms
	} else {
		m.ewma = m.ewma*(1-ewmaAlpha) + ms*ewmaAlpha
	}
	m.brk.success()
}

// RecordFailure extends the failure run and may open the breaker.
func (m *Member) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.failure++
	m.brk.failure()
}

// Abandon resolves an admitted call that produced no upstream verdict.
func (m *Member) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brk.abandon()
}

// SetHealthy stores a probe verdict.
func (m *Member) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = ok
}

// Healthy reports the last probe verdict.
func (m *Member) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Active reports in-flight requests.
func (m *Member) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Latency reports the EWMA response time in milliseconds. Zero means
// no samples yet.
func (m *Member) Latency() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ewma
}

// FailureRun reports consecutive failures since the last success.
func (m *Member) FailureRun() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.brk.failures
}

// BreakerStateNow reports the breaker phase.
func (m *Member) BreakerStateNow() BreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.brk.state
}

// Stats snapshots the member counters.
func (m *Member) Stats() MemberStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MemberStats{
		ID:                  m.ID,
		Backend:             m.adapter.Name(),
		Weight:              m.Weight,
		Healthy:             m.healthy,
		BreakerState:        m.brk.state.String(),
		ActiveConnections:   m.active,
		TotalRequests:       m.total,
		SuccessfulRequests:  m.success,
		FailedRequests:      m.failure,
		AvgResponseTimeMS:   m.ewma,
		ConsecutiveFailures: m.brk.failures,
	}
}
