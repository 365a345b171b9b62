package lock

import (
	"time"

	mathrand "math/rand"
)

// DefaultJitterFactor is the default proportion of a delay added as random
// jitter.
const DefaultJitterFactor = 0.5

// RetryConfig shapes the delays between attempts of an operation that
// retries after transient failures, such as the daemon client redialing a
// fresh connection.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, the initial try
	// included.
	MaxAttempts int

	// InitialDelay is the delay before the first retry; each further
	// retry doubles it.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter adds a random fraction of the delay on top, so concurrent
	// retriers spread out instead of arriving in lockstep.
	Jitter bool

	// JitterFactor bounds the jitter as a proportion of the delay.
	// Non-positive values mean DefaultJitterFactor.
	JitterFactor float64
}

// DefaultRetryConfig returns a sensible general-purpose retry shape.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}

// Backoff returns how long to sleep before the given retry. attempt is the
// 1-indexed retry number; attempt 0 is the initial try and gets no delay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 || c.InitialDelay <= 0 {
		return 0
	}

	delay := c.InitialDelay

	for i := 1; i < attempt; i++ {
		delay *= 2

		if c.MaxDelay > 0 && delay >= c.MaxDelay {
			break
		}
	}

	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.Jitter {
		factor := c.JitterFactor
		if factor <= 0 {
			factor = DefaultJitterFactor
		}

		// The global math/rand source is safe for concurrent use and good
		// enough for spreading retries out.
		//nolint:gosec // G404: jitter does not need crypto-grade randomness
		delay += time.Duration(mathrand.Float64() * float64(delay) * factor)
	}

	return delay
}
