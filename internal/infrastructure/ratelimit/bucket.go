package ratelimit

import (
	"math"
	"sync"
	"time"
)

// maxRetryAfterSeconds caps the advisory delay returned on denial.
const maxRetryAfterSeconds = 3600

// Bucket is a token bucket with integer tokens in [0, capacity] and a
// refill rate in tokens per second. Refill and decrement happen
// together under the mutex so admission is linearizable per bucket.
type Bucket struct {
	mu         sync.Mutex
	tokens     int64
	capacity   int64
	refillRate float64
	lastRefill time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity int64, refillRate float64) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	return &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryConsume refills from the monotonic delta, then takes n tokens if
// available. On failure nothing is taken and retryAfter holds the
// advisory wait in whole seconds.
func (b *Bucket) TryConsume(n int64) (ok bool, remaining int64, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if b.tokens >= n {
		b.tokens -= n
		return true, b.tokens, 0
	}
	return false, b.tokens, b.retryAfterLocked(n)
}

// Available refills and reports the current token count without
// consuming.
func (b *Bucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// refillLocked credits whole tokens for the elapsed time. lastRefill
// advances only by the time those tokens represent, so fractional
// progress toward the next token is never lost at slow rates.
func (b *Bucket) refillLocked(now time.Time) {
	if b.refillRate <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	added := int64(elapsed * b.refillRate)
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(added) / b.refillRate * float64(time.Second)))
}

// retryAfterLocked estimates the seconds until n tokens are available,
// clamped to [1, maxRetryAfterSeconds].
func (b *Bucket) retryAfterLocked(n int64) int {
	deficit := n - b.tokens
	if deficit <= 0 {
		return 0
	}
	if b.refillRate <= 0 {
		return maxRetryAfterSeconds
	}
	secs := int(math.Ceil(float64(deficit) / b.refillRate))
	if secs < 1 {
		secs = 1
	}
	if secs > maxRetryAfterSeconds {
		secs = maxRetryAfterSeconds
	}
	return secs
}
