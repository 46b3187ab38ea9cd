// Package backoff computes exponential retry delays with multiplicative jitter.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultJitter gives good spread for most retry populations.
const DefaultJitter = 0.11304999836

// maxExponent bounds 2^n so the unjittered delay cannot overflow.
const maxExponent = 30

// ExponentialTimer yields min(max, initial*2^n) scaled by 1±jitter, n counting calls
// since the last reset. A timer is owned by a single request handler and is not
// safe for concurrent use.
type ExponentialTimer struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	random  func() float64

	n     int
	delay time.Duration
}

// Option customises a timer.
type Option func(*ExponentialTimer)

// WithRandom replaces the uniform [0,1) source used for jitter.
func WithRandom(random func() float64) Option {
	return func(t *ExponentialTimer) {
		if random != nil {
			t.random = random
		}
	}
}

// NewExponentialTimer returns a timer using DefaultJitter.
func NewExponentialTimer(initial, max time.Duration, opts ...Option) *ExponentialTimer {
	return NewExponentialTimerWithJitter(initial, max, DefaultJitter, opts...)
}

// NewExponentialTimerWithJitter returns a timer with a custom jitter in [0,1).
func NewExponentialTimerWithJitter(initial, max time.Duration, jitter float64, opts ...Option) *ExponentialTimer {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	t := &ExponentialTimer{
		initial: initial,
		max:     max,
		jitter:  clampJitter(jitter),
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Reset()
	return t
}

// Delay returns the current stored delay.
func (t *ExponentialTimer) Delay() time.Duration {
	return t.delay
}

// CalculateNext computes, stores and returns the next delay.
func (t *ExponentialTimer) CalculateNext() time.Duration {
	exp := t.n
	if exp > maxExponent {
		exp = maxExponent
	}
	delay := float64(t.initial) * float64(uint64(1)<<uint(exp))
	if delay > float64(t.max) {
		delay = float64(t.max)
	}
	if t.jitter > 0 {
		delay *= 1 + t.jitter*(2*t.random()-1)
	}
	if delay > float64(t.max) {
		delay = float64(t.max)
	}
	t.n++
	t.delay = time.Duration(delay)
	return t.delay
}

// DelayAndCalculateNext returns the current delay and advances the timer.
func (t *ExponentialTimer) DelayAndCalculateNext() time.Duration {
	current := t.delay
	t.CalculateNext()
	return current
}

// Reset restores the initial state so the timer can be reused.
func (t *ExponentialTimer) Reset() {
	t.n = 0
	t.CalculateNext()
}

// clampJitter keeps jitter within [0,1).
func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter >= 1 {
		return 0.999
	}
	return jitter
}
