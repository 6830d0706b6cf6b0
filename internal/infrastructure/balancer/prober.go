package balancer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/pkg/safego"

	"github.com/nimbusllm/gateway/internal/domain/chat"
)

const (
	// DefaultProbeInterval is the sweep cadence.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout caps one probe call.
	DefaultProbeTimeout = 5 * time.Second
)

// Prober re-checks pool members with a one-token completion and
// records the verdict on each member. Probe traffic stays out of the
// EWMA and breaker accounting.
type Prober struct {
	pool     *Pool
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber builds a prober over the pool.
func NewProber(pool *Pool, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		pool:     pool,
		interval: interval,
		timeout:  DefaultProbeTimeout,
		logger:   logger.With(zap.String("component", "pool_prober")),
	}
}

// Run sweeps the pool on the configured cadence until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	safego.Loop(ctx, p.logger, "pool_prober", p.interval, func() {
		p.Sweep(ctx)
	})
}

// Sweep probes every member once and logs health transitions.
func (p *Prober) Sweep(ctx context.Context) {
	for _, m := range p.pool.Members() {
		healthy := p.probe(ctx, m)
		if healthy != m.Healthy() {
			if healthy {
				p.logger.Info("backend recovered", zap.String("member", m.ID))
			} else {
				p.logger.Warn("backend unhealthy", zap.String("member", m.ID))
			}
		}
		m.SetHealthy(healthy)
	}
}

// probe issues a one-token completion under a short deadline. Any
// transport error or non-2xx status is an unhealthy verdict.
func (p *Prober) probe(ctx context.Context, m *Member) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	maxTokens := 1
	req := &chat.ChatRequest{
		Model:     m.Adapter().ModelID(),
		Messages:  []chat.Message{{Role: chat.RoleUser, Content: chat.Text("ping")}},
		MaxTokens: &maxTokens,
	}
	res, err := m.Adapter().ChatJSON(ctx, req)
	return err == nil && res.OK()
}
