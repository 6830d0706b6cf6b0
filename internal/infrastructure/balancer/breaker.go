package balancer

import "time"

// BreakerState names the circuit breaker phases.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultBreakerThreshold is the consecutive-failure count that
	// opens the breaker.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long an open breaker rejects
	// before allowing a half-open probe.
	DefaultBreakerCooldown = 60 * time.Second
)

// breaker is a consecutive-failure circuit breaker. It is not safe for
// concurrent use on its own; Member serializes access under its lock.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// canAttempt reports whether a call could be admitted right now,
// without changing state.
func (b *breaker) canAttempt() bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return b.now().Sub(b.openedAt) >= b.cooldown
	default:
		return !b.probing
	}
}

// allow admits a call. Past the cooldown an open breaker moves to
// half-open and hands out its single probe slot.
func (b *breaker) allow() bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// success closes the breaker and clears the failure run.
func (b *breaker) success() {
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// failure extends the failure run. Reaching the threshold, or failing
// the half-open probe, opens the breaker.
func (b *breaker) failure() {
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// abandon returns an unclaimed verdict, e.g. when the caller went away
// before the upstream answered. A half-open probe slot is freed so the
// next call can retry it.
func (b *breaker) abandon() {
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}
