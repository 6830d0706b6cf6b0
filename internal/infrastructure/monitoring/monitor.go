package monitoring

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/pkg/safego"
)

// Metrics holds the raw gateway counters. All fields are updated
// atomically; readers must go through Monitor.Snapshot.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailure uint64

	PromptTokens     uint64
	CompletionTokens uint64

	// Latency accumulates in nanoseconds over completed requests.
	LatencySum   uint64
	LatencyCount uint64

	StartTime time.Time
}

// Monitor collects request counters and derives rates on demand.
type Monitor struct {
	metrics *Metrics
	logger  *zap.Logger

	// Reporter state: totals observed at the previous tick.
	lastReport   time.Time
	lastRequests uint64
	lastTokens   uint64
}

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	RequestsTotal     uint64  `json:"requests_total"`
	RequestsSuccess   uint64  `json:"requests_success"`
	RequestsFailure   uint64  `json:"requests_failure"`
	ErrorRate         float64 `json:"error_rate"`
	PromptTokens      uint64  `json:"prompt_tokens"`
	CompletionTokens  uint64  `json:"completion_tokens"`
	TotalTokens       uint64  `json:"total_tokens"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	TokensPerSecond   float64 `json:"tokens_per_second"`
}

// NewMonitor creates a monitor with zeroed counters.
func NewMonitor(logger *zap.Logger) *Monitor {
	now := time.Now()
	return &Monitor{
		metrics:    &Metrics{StartTime: now},
		logger:     logger.With(zap.String("component", "monitoring")),
		lastReport: now,
	}
}

// RecordRequest registers one completed request. Token counts may be
// zero when the backend reported no usage.
func (m *Monitor) RecordRequest(success bool, latency time.Duration, promptTokens, completionTokens int) {
	atomic.AddUint64(&m.metrics.RequestsTotal, 1)
	if success {
		atomic.AddUint64(&m.metrics.RequestsSuccess, 1)
	} else {
		atomic.AddUint64(&m.metrics.RequestsFailure, 1)
	}
	atomic.AddUint64(&m.metrics.LatencySum, uint64(latency.Nanoseconds()))
	atomic.AddUint64(&m.metrics.LatencyCount, 1)
	m.AddTokens(promptTokens, completionTokens)
}

// AddTokens accounts usage that arrives after the request was already
// recorded, e.g. the final usage chunk of a stream.
func (m *Monitor) AddTokens(prompt, completion int) {
	if prompt > 0 {
		atomic.AddUint64(&m.metrics.PromptTokens, uint64(prompt))
	}
	if completion > 0 {
		atomic.AddUint64(&m.metrics.CompletionTokens, uint64(completion))
	}
}

// Uptime reports time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.metrics.StartTime)
}

// Snapshot derives rates from the counters. Rates are zero until at
// least one request completed.
func (m *Monitor) Snapshot() Snapshot {
	uptime := time.Since(m.metrics.StartTime).Seconds()

	total := atomic.LoadUint64(&m.metrics.RequestsTotal)
	success := atomic.LoadUint64(&m.metrics.RequestsSuccess)
	failure := atomic.LoadUint64(&m.metrics.RequestsFailure)
	prompt := atomic.LoadUint64(&m.metrics.PromptTokens)
	completion := atomic.LoadUint64(&m.metrics.CompletionTokens)

	snap := Snapshot{
		UptimeSeconds:    uptime,
		RequestsTotal:    total,
		RequestsSuccess:  success,
		RequestsFailure:  failure,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	if total > 0 {
		snap.ErrorRate = float64(failure) / float64(total)
	}
	if count := atomic.LoadUint64(&m.metrics.LatencyCount); count > 0 {
		snap.AvgResponseMs = float64(atomic.LoadUint64(&m.metrics.LatencySum)) / float64(count) / 1e6
	}
	if uptime > 0 {
		snap.RequestsPerSecond = float64(total) / uptime
		snap.TokensPerSecond = float64(prompt+completion) / uptime
	}
	return snap
}

// StartReporter logs throughput deltas every interval until ctx is
// cancelled. Ticks with no traffic are skipped.
func (m *Monitor) StartReporter(ctx context.Context, interval time.Duration) {
	safego.Loop(ctx, m.logger, "metrics-reporter", interval, func() {
		now := time.Now()
		total := atomic.LoadUint64(&m.metrics.RequestsTotal)
		tokens := atomic.LoadUint64(&m.metrics.PromptTokens) + atomic.LoadUint64(&m.metrics.CompletionTokens)

		elapsed := now.Sub(m.lastReport).Seconds()
		deltaReq := total - m.lastRequests
		deltaTok := tokens - m.lastTokens
		m.lastReport = now
		m.lastRequests = total
		m.lastTokens = tokens

		if deltaReq == 0 || elapsed <= 0 {
			return
		}
		m.logger.Info("throughput",
			zap.Uint64("requests", deltaReq),
			zap.Float64("requests_per_second", float64(deltaReq)/elapsed),
			zap.Float64("tokens_per_second", float64(deltaTok)/elapsed),
			zap.Float64("error_rate", m.Snapshot().ErrorRate),
		)
	})
}
