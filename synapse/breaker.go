package synapse

import (
	"sync"
	"time"

	"github.com/hupe1980/hearthcore/core"
)

// breaker is a per-plugin circuit breaker. Closed passes calls through and
// counts consecutive failures; at the threshold it opens and fails fast.
// After the cooldown a single probe call is let through (half-open):
// success closes the breaker, failure re-opens it and restarts the
// cooldown.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    core.BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     core.BreakerClosed,
	}
}

// allow reports whether a call may proceed. At most one probe is in flight
// while half-open.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case core.BreakerClosed:
		return true
	case core.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = core.BreakerHalfOpen
		b.probing = true
		return true
	case core.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// success records a successful call, closing the breaker.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = core.BreakerClosed
	b.failures = 0
	b.probing = false
}

// failure records a failed call. A failed probe re-opens immediately;
// otherwise the breaker opens once consecutive failures reach the
// threshold.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == core.BreakerHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *breaker) open() {
	b.state = core.BreakerOpen
	b.openedAt = b.now()
	b.probing = false
}

func (b *breaker) currentState() core.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
