package guard

import (
	"sync"
	"time"
)

// BreakerConfig configures the execution circuit breaker.
type BreakerConfig struct {
	// Window is how long outcomes remain in the rolling sample.
	Window time.Duration

	// MinSamples is the minimum number of recorded outcomes before the
	// failure fraction is evaluated.
	MinSamples int

	// FailureThreshold is the failure fraction (0..1] that trips the
	// breaker once MinSamples is reached.
	FailureThreshold float64

	// Cooldown is how long the breaker stays open before it half-resets.
	Cooldown time.Duration

	// OnStateChange is called when the breaker trips or resets.
	OnStateChange func(open bool)
}

func (c *BreakerConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is a global failure-rate trip switch over all execution calls.
// While tripped, every call fails fast. After the cooldown the breaker
// half-resets: the outcome history is cleared and a fresh sample is allowed,
// rather than holding a textbook half-open probe state.
type Breaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	outcomes  []outcome
	tripped   bool
	trippedAt time.Time

	now func() time.Time
}

// NewBreaker creates a breaker with defaults applied.
func NewBreaker(config BreakerConfig) *Breaker {
	config.applyDefaults()
	return &Breaker{config: config, now: time.Now}
}

// Allow reports whether a call may proceed. A tripped breaker rejects until
// the cooldown elapses, then clears its history and admits a fresh sample.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return true
	}
	if b.now().Sub(b.trippedAt) < b.config.Cooldown {
		return false
	}

	// Half-reset: forget the failing window and start sampling again.
	b.tripped = false
	b.outcomes = b.outcomes[:0]
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(false)
	}
	return true
}

// Record adds one call outcome and trips the breaker when the rolling
// failure fraction crosses the threshold with enough samples.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.config.Window)
	trimmed := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			trimmed = append(trimmed, o)
		}
	}
	b.outcomes = append(trimmed, outcome{at: now, ok: ok})

	if b.tripped || len(b.outcomes) < b.config.MinSamples {
		return
	}

	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) >= b.config.FailureThreshold {
		b.tripped = true
		b.trippedAt = now
		if b.config.OnStateChange != nil {
			b.config.OnStateChange(true)
		}
	}
}

// Open reports whether the breaker is currently tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
