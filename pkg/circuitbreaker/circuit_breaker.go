// Package circuitbreaker stops repeated attempts against a peer that is
// failing consistently, such as a daemon socket refusing every dial: after
// a run of consecutive failures the breaker opens and rejects attempts
// outright, then after a cooldown lets a single probe through to decide
// whether to close again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State describes what the breaker currently does with attempts.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen rejects every attempt until the cooldown elapses.
	StateOpen
	// StateHalfOpen is the probing window: the next Allow admits one
	// attempt whose outcome closes or re-opens the breaker.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultThreshold is how many consecutive failures open the breaker.
	DefaultThreshold = 5

	// DefaultCooldown is how long an open breaker rejects attempts before
	// probing again.
	DefaultCooldown = 15 * time.Second
)

// Breaker is a consecutive-failure circuit breaker. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu sync.Mutex

	now       func() time.Time
	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time // zero while closed
}

// New returns a closed Breaker. Non-positive threshold or cooldown select
// the defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &Breaker{
		now:       time.Now,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// WithClock replaces the breaker's time source and returns the breaker.
// For tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = now

	return b
}

// Allow reports whether an attempt may proceed. When the cooldown of an
// open breaker has elapsed, exactly one caller is admitted as a probe and
// the cooldown restarts, so concurrent callers cannot stampede a peer that
// is still down: the probe's Success or Failure decides what happens next.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return true
	}

	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.openedAt = b.now()

		return true
	}

	return false
}

// Success records a successful attempt, closing the breaker and clearing
// the failure run.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openedAt = time.Time{}
}

// Failure records a failed attempt. Reaching the threshold opens the
// breaker; a failed half-open probe re-opens it for another cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.openedAt.IsZero():
		return StateClosed
	case b.now().Sub(b.openedAt) >= b.cooldown:
		return StateHalfOpen
	default:
		return StateOpen
	}
}
