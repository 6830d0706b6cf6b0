package balancer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/nimbusllm/gateway/pkg/errors"
)

func newTestBatcher(p *Pool, size int, window time.Duration, queueLimit int) *Batcher {
	return NewBatcher(p, BatcherConfig{Size: size, Window: window, QueueLimit: queueLimit}, zap.NewNop())
}

func TestBatcherFlushesWhenWindowFills(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	a := addStub(p, "a", 1)
	// Window far beyond the test deadline: only the size trigger can flush.
	b := newTestBatcher(p, 2, time.Hour, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Do(context.Background(), testRequest())
			if err == nil && res.Status != 200 {
				err = apperrors.NewInternal("unexpected status")
			}
			errs[i] = err
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not flush on size")
	}

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if a.chatCount() != 2 {
		t.Fatalf("calls = %d, want 2", a.chatCount())
	}
}

func TestBatcherFlushesWhenWindowExpires(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	addStub(p, "a", 1)
	b := newTestBatcher(p, 10, 30*time.Millisecond, 0)

	start := time.Now()
	res, err := b.Do(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("resolved in %v, want the 30ms window to elapse first", elapsed)
	}
}

func TestBatcherRejectsWhenQueueFull(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	addStub(p, "a", 1)
	b := newTestBatcher(p, 10, 200*time.Millisecond, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Do(context.Background(), testRequest())
	}()

	// Wait for the first request to occupy the queue slot.
	deadline := time.Now().Add(time.Second)
	for b.Stats().Pending == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := b.Do(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if apperrors.KindOf(err) != apperrors.KindTooManyRequests {
		t.Fatalf("kind = %v, want too_many_requests", apperrors.KindOf(err))
	}
	wg.Wait()
}

func TestBatcherCloseFlushesPending(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	addStub(p, "a", 1)
	b := newTestBatcher(p, 10, time.Hour, 0)

	type outcome struct {
		status int
		err    error
	}
	got := make(chan outcome, 1)
	go func() {
		res, err := b.Do(context.Background(), testRequest())
		status := 0
		if res != nil {
			status = res.Status
		}
		got <- outcome{status: status, err: err}
	}()

	deadline := time.Now().Add(time.Second)
	for b.Stats().Pending == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	b.Close()

	select {
	case o := <-got:
		if o.err != nil {
			t.Fatalf("Do after Close: %v", o.err)
		}
		if o.status != 200 {
			t.Fatalf("Status = %d, want 200", o.status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not flush the pending request")
	}

	if _, err := b.Do(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error from closed batcher")
	}
}

func TestBatcherDefaults(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	b := NewBatcher(p, BatcherConfig{}, zap.NewNop())

	s := b.Stats()
	if s.BatchSize != DefaultBatchSize {
		t.Fatalf("BatchSize = %d, want %d", s.BatchSize, DefaultBatchSize)
	}
	if s.BatchWindowMS != DefaultBatchWindow.Milliseconds() {
		t.Fatalf("BatchWindowMS = %d, want %d", s.BatchWindowMS, DefaultBatchWindow.Milliseconds())
	}
	if s.Pending != 0 {
		t.Fatalf("Pending = %d, want 0", s.Pending)
	}
}

func TestBatcherAbandonedWaiterDoesNotBlockFlush(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	addStub(p, "a", 1)
	b := newTestBatcher(p, 10, 20*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Do(ctx, testRequest())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Fatalf("kind = %v, want internal", apperrors.KindOf(err))
	}

	// The abandoned request still occupies the window until the flush
	// drains it; the buffered result channel absorbs the late send.
	deadline := time.Now().Add(time.Second)
	for b.Stats().Pending != 0 {
		if time.Now().After(deadline) {
			t.Fatal("window never flushed after waiter left")
		}
		time.Sleep(time.Millisecond)
	}
}
