// Package backoff computes reconnect delays with exponential growth and
// randomized jitter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy produces increasing, jittered delays between retry attempts.
type Policy struct {
	mu      sync.Mutex
	attempt int

	initial time.Duration
	max     time.Duration
	growth  float64
	jitter  float64
}

// New creates a policy. growth must be >= 1; jitter is the fraction of the
// base delay added as uniform random noise (0 disables it).
func New(initial, max time.Duration, growth, jitter float64) *Policy {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if growth < 1 {
		growth = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Policy{initial: initial, max: max, growth: growth, jitter: jitter}
}

// Delay returns the delay for the given 1-based attempt count. Pure except
// for the jitter draw.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.initial) * math.Pow(p.growth, float64(attempt-1))
	if base > float64(p.max) {
		base = float64(p.max)
	}
	d := base
	if p.jitter > 0 {
		d += rand.Float64() * p.jitter * base
	}
	if d > float64(p.max) {
		d = float64(p.max)
	}
	return time.Duration(d)
}

// Next advances the attempt counter and returns the delay for it.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	p.attempt++
	n := p.attempt
	p.mu.Unlock()
	return p.Delay(n)
}

// Attempt returns the current attempt count.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Reset zeroes the attempt counter.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}
