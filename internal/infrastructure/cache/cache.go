package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusllm/gateway/pkg/safego"
)

// Eviction strategies.
const (
	StrategyLRU  = "lru"
	StrategyLFU  = "lfu"
	StrategyFIFO = "fifo"
)

// entryOverheadBytes is the fixed per-entry memory estimate reported
// in stats.
const entryOverheadBytes = 1024

type Config struct {
	TTL             time.Duration
	MaxSize         int
	Strategy        string
	MinResponseSize int
	JanitorInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		MaxSize:         1000,
		Strategy:        StrategyLRU,
		MinResponseSize: 100,
		JanitorInterval: time.Minute,
	}
}

// entry bookkeeping fields are read under RLock, so the mutable ones
// are atomics.
type entry struct {
	body           []byte
	createdAt      time.Time
	insertionOrder uint64

	lastAccessed int64 // unix nanos
	accessCount  uint64
}

// Cache maps request fingerprints to serialized response bodies.
// Entries expire after TTL; when full, a quarter of the entries is
// evicted by the configured strategy.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	nextSeq uint64

	cfg    Config
	logger *zap.Logger

	hits   uint64
	misses uint64
}

type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

func New(cfg Config, logger *zap.Logger) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MinResponseSize <= 0 {
		cfg.MinResponseSize = def.MinResponseSize
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	return &Cache{
		entries: make(map[uint64]*entry),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "cache")),
	}
}

// Get returns the cached body for fp if present and not expired.
// Callers must not modify the returned bytes.
func (c *Cache) Get(fp uint64) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()

	if !ok || time.Since(e.createdAt) > c.cfg.TTL {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.StoreInt64(&e.lastAccessed, time.Now().UnixNano())
	atomic.AddUint64(&e.accessCount, 1)
	atomic.AddUint64(&c.hits, 1)
	return e.body, true
}

// Put stores body under fp. Bodies below MinResponseSize are not
// stored; trivial error payloads would otherwise crowd out real
// responses. Returns whether the body was stored.
func (c *Cache) Put(fp uint64, body []byte) bool {
	if len(body) < c.cfg.MinResponseSize {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.evictLocked()
	}

	now := time.Now()
	e := &entry{
		body:           append([]byte(nil), body...),
		createdAt:      now,
		insertionOrder: c.nextSeq,
		lastAccessed:   now.UnixNano(),
	}
	c.nextSeq++
	c.entries[fp] = e
	return true
}

// evictLocked removes a quarter of the entries, at least one, chosen
// by the configured strategy. Caller holds the write lock.
func (c *Cache) evictLocked() {
	count := len(c.entries) / 4
	if count < 1 {
		count = 1
	}

	type candidate struct {
		fp   uint64
		rank uint64
	}
	candidates := make([]candidate, 0, len(c.entries))
	for fp, e := range c.entries {
		var rank uint64
		switch c.cfg.Strategy {
		case StrategyLFU:
			rank = atomic.LoadUint64(&e.accessCount)
		case StrategyFIFO:
			rank = e.insertionOrder
		default: // lru
			rank = uint64(atomic.LoadInt64(&e.lastAccessed))
		}
		candidates = append(candidates, candidate{fp: fp, rank: rank})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rank < candidates[j].rank })

	for i := 0; i < count && i < len(candidates); i++ {
		delete(c.entries, candidates[i].fp)
	}
	c.logger.Debug("evicted entries",
		zap.Int("count", count),
		zap.String("strategy", c.cfg.Strategy),
		zap.Int("remaining", len(c.entries)),
	)
}

// StartJanitor sweeps expired entries every JanitorInterval until ctx
// is cancelled.
func (c *Cache) StartJanitor(ctx context.Context) {
	safego.Loop(ctx, c.logger, "cache-janitor", c.cfg.JanitorInterval, func() {
		if n := c.RemoveExpired(); n > 0 {
			c.logger.Debug("removed expired entries", zap.Int("count", n))
		}
	})
}

// RemoveExpired deletes all expired entries and returns how many were
// removed.
func (c *Cache) RemoveExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	s := Stats{
		Hits:        hits,
		Misses:      misses,
		Size:        size,
		MaxSize:     c.cfg.MaxSize,
		MemoryBytes: uint64(size) * entryOverheadBytes,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Len reports the current number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
