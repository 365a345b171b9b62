package lock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/numtide/harmonia/pkg/lock"
)

func TestBackoffGrowsExponentiallyUpToCap(t *testing.T) {
	t.Parallel()

	cfg := lock.RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}

	assert.Equal(t, time.Duration(0), cfg.Backoff(0), "the initial try has no delay")
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff(4), "capped at MaxDelay")
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff(10))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	t.Parallel()

	cfg := lock.RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: 0.5,
	}

	for attempt := 1; attempt <= 4; attempt++ {
		base := 100 * time.Millisecond << (attempt - 1)

		for i := 0; i < 50; i++ {
			d := cfg.Backoff(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.LessOrEqual(t, d, base+base/2)
		}
	}
}

func TestBackoffZeroConfigIsZero(t *testing.T) {
	t.Parallel()

	var cfg lock.RetryConfig

	assert.Equal(t, time.Duration(0), cfg.Backoff(3))
}

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()

	cfg := lock.DefaultRetryConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Positive(t, cfg.InitialDelay)
	assert.True(t, cfg.Jitter)
	assert.Equal(t, lock.DefaultJitterFactor, cfg.JitterFactor)
}
