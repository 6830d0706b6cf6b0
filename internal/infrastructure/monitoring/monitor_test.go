package monitoring

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSnapshotZeroState(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	snap := m.Snapshot()

	if snap.RequestsTotal != 0 || snap.RequestsSuccess != 0 || snap.RequestsFailure != 0 {
		t.Fatalf("expected zero counters, got %+v", snap)
	}
	if snap.ErrorRate != 0 {
		t.Fatalf("error rate without traffic = %v, want 0", snap.ErrorRate)
	}
	if snap.AvgResponseMs != 0 {
		t.Fatalf("avg latency without traffic = %v, want 0", snap.AvgResponseMs)
	}
}

func TestRecordRequestCounters(t *testing.T) {
	m := NewMonitor(zap.NewNop())

	m.RecordRequest(true, 100*time.Millisecond, 10, 5)
	m.RecordRequest(true, 300*time.Millisecond, 20, 10)
	m.RecordRequest(false, 200*time.Millisecond, 0, 0)

	snap := m.Snapshot()
	if snap.RequestsTotal != 3 {
		t.Fatalf("total = %d, want 3", snap.RequestsTotal)
	}
	if snap.RequestsSuccess != 2 || snap.RequestsFailure != 1 {
		t.Fatalf("success/failure = %d/%d, want 2/1", snap.RequestsSuccess, snap.RequestsFailure)
	}
	if snap.PromptTokens != 30 || snap.CompletionTokens != 15 {
		t.Fatalf("tokens = %d/%d, want 30/15", snap.PromptTokens, snap.CompletionTokens)
	}
	if snap.TotalTokens != 45 {
		t.Fatalf("total tokens = %d, want 45", snap.TotalTokens)
	}

	wantRate := 1.0 / 3.0
	if diff := snap.ErrorRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("error rate = %v, want %v", snap.ErrorRate, wantRate)
	}
	if snap.AvgResponseMs != 200 {
		t.Fatalf("avg latency = %v ms, want 200", snap.AvgResponseMs)
	}
}

func TestAddTokensAfterStream(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.RecordRequest(true, time.Millisecond, 0, 0)
	m.AddTokens(7, 3)

	snap := m.Snapshot()
	if snap.TotalTokens != 10 {
		t.Fatalf("total tokens = %d, want 10", snap.TotalTokens)
	}
	if snap.RequestsTotal != 1 {
		t.Fatalf("AddTokens must not change request count, got %d", snap.RequestsTotal)
	}
}

func TestAddTokensIgnoresNegative(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	m.AddTokens(-5, -1)

	if snap := m.Snapshot(); snap.TotalTokens != 0 {
		t.Fatalf("negative tokens must be ignored, got %d", snap.TotalTokens)
	}
}

func TestReporterStopsOnCancel(t *testing.T) {
	m := NewMonitor(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	m.StartReporter(ctx, 5*time.Millisecond)
	m.RecordRequest(true, time.Millisecond, 1, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	// Totals observed by the reporter must match the counters.
	if m.lastRequests != 1 {
		t.Fatalf("reporter saw %d requests, want 1", m.lastRequests)
	}
}
