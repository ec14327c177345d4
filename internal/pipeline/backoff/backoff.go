// Package backoff computes retry delays: exponential growth from a base
// delay, capped at a maximum, with bounded random jitter to avoid thundering
// redeliveries.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Defaults applied by Policy.withDefaults.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 16 * time.Second
	DefaultMaxRetries = 5
	DefaultJitter     = 0.2
)

// Policy describes the retry budget and delay curve for a stream.
//
// The delay for attempt n (0-based) is min(Base << n, Max), scaled by a
// random factor in [1-Jitter, 1+Jitter]. Keeping Jitter at or below 1/3
// preserves non-decreasing delays between successive attempts.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// MaxRetries bounds redeliveries; attempt numbers beyond it are
	// dead-letter territory.
	MaxRetries int

	// Jitter is the random spread as a fraction of the computed delay,
	// in [0, 1).
	Jitter float64

	// rnd guards the jitter source; lazily seeded from the global source.
	rndMu sync.Mutex
	rnd   *rand.Rand
}

// WithDefaults returns a copy of the policy with zero values replaced by the
// package defaults.
func (p *Policy) WithDefaults() *Policy {
	out := &Policy{
		Base:       p.Base,
		Max:        p.Max,
		MaxRetries: p.MaxRetries,
		Jitter:     p.Jitter,
	}
	if out.Base <= 0 {
		out.Base = DefaultBaseDelay
	}
	if out.Max <= 0 {
		out.Max = DefaultMaxDelay
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.Jitter < 0 || out.Jitter >= 1 {
		out.Jitter = DefaultJitter
	}
	return out
}

// Delay returns the backoff delay for the given 0-based attempt number.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max || delay <= 0 { // overflow guard
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		spread := 1 - p.Jitter + 2*p.Jitter*p.random()
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

// Exhausted reports whether the attempt count has consumed the retry budget.
// maxOverride, when positive, replaces the policy's MaxRetries for this
// message.
func (p *Policy) Exhausted(attempt, maxOverride int) bool {
	limit := p.MaxRetries
	if maxOverride > 0 {
		limit = maxOverride
	}
	return attempt > limit
}

func (p *Policy) random() float64 {
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return p.rnd.Float64()
}

// SeedJitter fixes the jitter source, for deterministic tests.
func (p *Policy) SeedJitter(seed int64) {
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	p.rnd = rand.New(rand.NewSource(seed))
}
