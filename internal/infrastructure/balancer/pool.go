package balancer

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

// Strategy selects which member serves the next request.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyHealthBased      Strategy = "health_based"
	StrategyLatencyBased     Strategy = "latency_based"
)

// ParseStrategy maps a config string to a strategy. Unknown values
// fall back to round-robin.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyWeighted:
		return StrategyWeighted
	case StrategyLeastConnections:
		return StrategyLeastConnections
	case StrategyHealthBased:
		return StrategyHealthBased
	case StrategyLatencyBased:
		return StrategyLatencyBased
	default:
		return StrategyRoundRobin
	}
}

// PoolConfig shapes the pool and its retry loop.
type PoolConfig struct {
	Strategy Strategy
	Retry    RetryPolicy
}

// Pool is a read-mostly set of members. Membership changes take the
// writer lock; selection and dispatch run under read locks plus the
// per-member locks.
type Pool struct {
	strategy Strategy
	retry    RetryPolicy
	logger   *zap.Logger

	mu      sync.RWMutex
	members []*Member

	rr atomic.Uint64
}

// NewPool builds an empty pool.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Pool{
		strategy: strategy,
		retry:    cfg.Retry.normalized(),
		logger:   logger.With(zap.String("component", "balancer")),
	}
}

// Strategy reports the configured selection strategy.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Add inserts a member, replacing any existing member with the same ID
// so manifest reloads stay idempotent.
func (p *Pool) Add(m *Member) {
	p.mu.Lock()
	replaced := false
	for i, existing := range p.members {
		if existing.ID == m.ID {
			p.members[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		p.members = append(p.members, m)
	}
	count := len(p.members)
	p.mu.Unlock()

	if replaced {
		p.logger.Info("pool member replaced",
			zap.String("member", m.ID),
			zap.String("backend", m.adapter.Name()),
			zap.Int("members", count))
		return
	}
	p.logger.Info("pool member added",
		zap.String("member", m.ID),
		zap.String("backend", m.adapter.Name()),
		zap.Int("members", count))
}

// Remove drops the member with the given ID.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	kept := p.members[:0]
	removed := false
	for _, m := range p.members {
		if m.ID == id {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	p.members = kept
	count := len(p.members)
	p.mu.Unlock()

	if removed {
		p.logger.Info("pool member removed",
			zap.String("member", id),
			zap.Int("members", count))
	}
	return removed
}

// Get finds a member by ID.
func (p *Pool) Get(id string) (*Member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Len reports the member count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.members)
}

// Members returns a snapshot of the member list.
func (p *Pool) Members() []*Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Member, len(p.members))
	copy(out, p.members)
	return out
}

// IDs returns the member IDs in pool order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.members))
	for i, m := range p.members {
		ids[i] = m.ID
	}
	return ids
}

// Stats snapshots every member.
func (p *Pool) Stats() []MemberStats {
	members := p.Members()
	out := make([]MemberStats, len(members))
	for i, m := range members {
		out[i] = m.Stats()
	}
	return out
}

// Select picks one available member per the configured strategy.
func (p *Pool) Select() (*Member, error) {
	p.mu.RLock()
	candidates := make([]*Member, 0, len(p.members))
	for _, m := range p.members {
		if m.Available() {
			candidates = append(candidates, m)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, apperrors.NewInternal("no available backends")
	}

	switch p.strategy {
	case StrategyWeighted:
		return pickWeighted(candidates), nil
	case StrategyLeastConnections:
		return pickLeastActive(candidates), nil
	case StrategyHealthBased:
		return p.pickHealthBased(candidates), nil
	case StrategyLatencyBased:
		return pickFastest(candidates), nil
	default:
		return p.pickRoundRobin(candidates), nil
	}
}

func (p *Pool) pickRoundRobin(members []*Member) *Member {
	idx := int((p.rr.Add(1) - 1) % uint64(len(members)))
	return members[idx]
}

// pickWeighted draws a member with probability proportional to weight.
func pickWeighted(members []*Member) *Member {
	total := 0
	for _, m := range members {
		total += m.Weight
	}
	r := rand.Intn(total)
	for _, m := range members {
		if r < m.Weight {
			return m
		}
		r -= m.Weight
	}
	return members[0]
}

func pickLeastActive(members []*Member) *Member {
	best := members[0]
	min := best.Active()
	for _, m := range members[1:] {
		if a := m.Active(); a < min {
			min, best = a, m
		}
	}
	return best
}

// pickHealthBased prefers members with no failure run; ties break
// round-robin.
func (p *Pool) pickHealthBased(members []*Member) *Member {
	clean := make([]*Member, 0, len(members))
	for _, m := range members {
		if m.FailureRun() == 0 {
			clean = append(clean, m)
		}
	}
	if len(clean) == 0 {
		clean = members
	}
	return p.pickRoundRobin(clean)
}

// pickFastest minimizes EWMA latency. Unsampled members report zero
// and win, which routes warm-up traffic to new members first.
func pickFastest(members []*Member) *Member {
	best := members[0]
	min := best.Latency()
	for _, m := range members[1:] {
		if l := m.Latency(); l < min {
			min, best = l, m
		}
	}
	return best
}
