package balancer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
	"github.com/nimbusllm/gateway/pkg/safego"

	"github.com/nimbusllm/gateway/internal/domain/chat"
	"github.com/nimbusllm/gateway/internal/infrastructure/backend"
)

const (
	// DefaultBatchSize flushes a window when this many requests queue.
	DefaultBatchSize = 10
	// DefaultBatchWindow flushes a window after this long.
	DefaultBatchWindow = 100 * time.Millisecond
	// DefaultBatchQueueLimit bounds one window's queue.
	DefaultBatchQueueLimit = 1024
)

// BatcherConfig shapes the coalescing window.
type BatcherConfig struct {
	Size       int
	Window     time.Duration
	QueueLimit int
}

type batchResult struct {
	res *backend.Result
	err error
}

type batchItem struct {
	ctx  context.Context
	req  *chat.ChatRequest
	done chan batchResult // buffered; exactly one send
}

// Batcher coalesces non-streaming requests into windows and dispatches
// each window's requests concurrently against the pool. Every queued
// request is resolved through its own channel.
type Batcher struct {
	pool   *Pool
	cfg    BatcherConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending []*batchItem
	timer   *time.Timer
	closed  bool
}

// BatcherStats reports the batcher configuration and queue depth.
type BatcherStats struct {
	BatchSize     int   `json:"batch_size"`
	BatchWindowMS int64 `json:"batch_window_ms"`
	Pending       int   `json:"pending_requests"`
}

// NewBatcher builds a batcher over the pool.
func NewBatcher(pool *Pool, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	if cfg.Size <= 0 {
		cfg.Size = DefaultBatchSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultBatchWindow
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultBatchQueueLimit
	}
	return &Batcher{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "batcher")),
	}
}

// Do queues req into the current window and waits for its result. The
// window flushes when it reaches Size requests or Window elapses,
// whichever comes first.
func (b *Batcher) Do(ctx context.Context, req *chat.ChatRequest) (*backend.Result, error) {
	item := &batchItem{ctx: ctx, req: req, done: make(chan batchResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.NewInternal("batcher is shut down")
	}
	if len(b.pending) >= b.cfg.QueueLimit {
		b.mu.Unlock()
		return nil, apperrors.NewTooManyRequests("batch queue full")
	}
	b.pending = append(b.pending, item)
	var flush []*batchItem
	if len(b.pending) >= b.cfg.Size {
		flush = b.takeLocked()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Window, b.flushWindow)
	}
	b.mu.Unlock()

	if flush != nil {
		b.dispatch(flush)
	}

	select {
	case r := <-item.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

// takeLocked removes the open window. Caller holds the lock.
func (b *Batcher) takeLocked() []*batchItem {
	items := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}

func (b *Batcher) flushWindow() {
	b.mu.Lock()
	items := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(items)
}

// dispatch runs every request in the window as its own goroutine. The
// buffered done channel means an abandoned waiter never blocks a send.
func (b *Batcher) dispatch(items []*batchItem) {
	if len(items) == 0 {
		return
	}
	b.logger.Debug("dispatching batch", zap.Int("size", len(items)))
	for _, item := range items {
		it := item
		safego.Go(b.logger, "batch_request", func() {
			res, err := b.pool.Dispatch(it.ctx, it.req)
			it.done <- batchResult{res: res, err: err}
		})
	}
}

// Stats reports the batcher configuration and current queue depth.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatcherStats{
		BatchSize:     b.cfg.Size,
		BatchWindowMS: b.cfg.Window.Milliseconds(),
		Pending:       len(b.pending),
	}
}

// Close flushes the open window and rejects new requests.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	items := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(items)
}
