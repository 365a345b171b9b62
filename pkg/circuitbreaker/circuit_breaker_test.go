package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/numtide/harmonia/pkg/circuitbreaker"
)

// fakeClock returns a settable time source for a breaker under test.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start

	return func() time.Time { return current },
		func(d time.Duration) { current = current.Add(d) }
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	now, _ := fakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	b := circuitbreaker.New(3, time.Minute).WithClock(now)

	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	for i := 0; i < 2; i++ {
		b.Failure()
		assert.True(t, b.Allow(), "below the threshold every attempt is admitted")
	}

	b.Failure()
	assert.Equal(t, circuitbreaker.StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsTheRun(t *testing.T) {
	t.Parallel()

	b := circuitbreaker.New(3, time.Minute)

	// Interleaved successes keep the consecutive count from accumulating.
	for i := 0; i < 10; i++ {
		b.Failure()
		b.Failure()
		b.Success()
	}

	assert.Equal(t, circuitbreaker.StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	b := circuitbreaker.New(1, time.Minute).WithClock(now)

	b.Failure()
	assert.False(t, b.Allow())

	advance(61 * time.Second)
	assert.Equal(t, circuitbreaker.StateHalfOpen, b.State())

	// One probe is admitted; followers are rejected until the probe's
	// outcome is recorded or another cooldown passes.
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	t.Run("failed probe re-opens", func(t *testing.T) {
		b.Failure()
		assert.False(t, b.Allow())

		advance(61 * time.Second)
		assert.True(t, b.Allow())
	})

	t.Run("successful probe closes", func(t *testing.T) {
		b.Success()
		assert.Equal(t, circuitbreaker.StateClosed, b.State())
		assert.True(t, b.Allow())
		assert.True(t, b.Allow())
	})
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	now, advance := fakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	b := circuitbreaker.New(0, 0).WithClock(now)

	for i := 0; i < circuitbreaker.DefaultThreshold-1; i++ {
		b.Failure()
	}

	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	b.Failure()
	assert.Equal(t, circuitbreaker.StateOpen, b.State())
	assert.False(t, b.Allow())

	advance(circuitbreaker.DefaultCooldown)
	assert.True(t, b.Allow())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", circuitbreaker.StateClosed.String())
	assert.Equal(t, "open", circuitbreaker.StateOpen.String())
	assert.Equal(t, "half-open", circuitbreaker.StateHalfOpen.String())
	assert.Equal(t, "unknown", circuitbreaker.State(99).String())
}
