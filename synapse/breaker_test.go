package synapse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/hearthcore/core"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.True(t, b.allow())
		b.failure()
		assert.Equal(t, core.BreakerClosed, b.currentState())
	}

	assert.True(t, b.allow())
	b.failure()
	assert.Equal(t, core.BreakerOpen, b.currentState())
	assert.False(t, b.allow())
}

func TestBreakerProbeAfterCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	b.failure()
	assert.Equal(t, core.BreakerOpen, b.currentState())
	assert.False(t, b.allow())

	now = now.Add(31 * time.Second)

	t.Run("single probe while half-open", func(t *testing.T) {
		assert.True(t, b.allow())
		assert.Equal(t, core.BreakerHalfOpen, b.currentState())
		assert.False(t, b.allow())
	})

	t.Run("probe success closes", func(t *testing.T) {
		b.success()
		assert.Equal(t, core.BreakerClosed, b.currentState())
		assert.True(t, b.allow())
	})
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	b.failure()
	now = now.Add(31 * time.Second)
	assert.True(t, b.allow())
	b.failure()

	assert.Equal(t, core.BreakerOpen, b.currentState())
	assert.False(t, b.allow())

	// The cooldown restarts from the probe failure.
	now = now.Add(31 * time.Second)
	assert.True(t, b.allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, time.Minute)

	b.failure()
	b.failure()
	b.success()
	b.failure()
	b.failure()

	assert.Equal(t, core.BreakerClosed, b.currentState())
}
