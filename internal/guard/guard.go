// Package guard provides the cross-cutting protections shared by all
// execution-class tool calls: recursion-depth limiting, per-user concurrency
// caps, process memory-pressure rejection, and a global error-rate circuit
// breaker.
package guard

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Reason is a machine-readable guard rejection reason.
type Reason string

const (
	ReasonRecursionDepth Reason = "recursion_depth"
	ReasonConcurrency    Reason = "concurrency"
	ReasonMemoryPressure Reason = "memory_pressure"
	ReasonCircuitOpen    Reason = "circuit_open"
)

// Error is a typed guard rejection. Circuit-breaker and concurrency
// rejections are retryable after a backoff; a client can tell them apart
// from genuine tool failures by the reason.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("guard rejected call (%s): %s", e.Reason, e.Message)
}

// AsGuardError unwraps err into a *Error if possible.
func AsGuardError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Config configures the guard.
type Config struct {
	// MaxRecursionDepth is the ceiling on nested tool-triggered tool calls.
	// The default of 1 forbids any nested execution.
	MaxRecursionDepth int

	// MaxConcurrentPerUser caps in-flight execution calls per user.
	MaxConcurrentPerUser int

	// MemoryCeilingBytes rejects calls while process resident memory
	// exceeds this value. Zero disables the check.
	MemoryCeilingBytes uint64

	// Breaker configures the shared circuit breaker.
	Breaker BreakerConfig
}

func (c *Config) applyDefaults() {
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = 1
	}
	if c.MaxConcurrentPerUser <= 0 {
		c.MaxConcurrentPerUser = 2
	}
}

// Guard is a process-wide singleton constructed once at startup and passed
// by reference to every request handler, so tests can build isolated
// instances.
type Guard struct {
	config  Config
	breaker *Breaker

	mu       sync.Mutex
	inflight map[string]int

	// memUsage is replaceable in tests.
	memUsage func() uint64
}

// New creates a guard with defaults applied.
func New(config Config) *Guard {
	config.applyDefaults()
	return &Guard{
		config:   config,
		breaker:  NewBreaker(config.Breaker),
		inflight: make(map[string]int),
		memUsage: processMemory,
	}
}

// Breaker exposes the underlying circuit breaker for observability wiring.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Acquire admits one execution-class call for the user at the given nesting
// depth. On success it returns a release function that must be called
// exactly once with the call's outcome; the returned closure is idempotent
// so a disconnect path and a completion path cannot double-release.
func (g *Guard) Acquire(userID string, depth int) (func(ok bool), error) {
	if depth >= g.config.MaxRecursionDepth {
		return nil, &Error{
			Reason:  ReasonRecursionDepth,
			Message: fmt.Sprintf("nested tool-call depth %d reaches ceiling %d", depth, g.config.MaxRecursionDepth),
		}
	}

	if ceiling := g.config.MemoryCeilingBytes; ceiling > 0 {
		if used := g.memUsage(); used > ceiling {
			return nil, &Error{
				Reason:  ReasonMemoryPressure,
				Message: fmt.Sprintf("process memory %d bytes exceeds ceiling %d", used, ceiling),
			}
		}
	}

	if !g.breaker.Allow() {
		return nil, &Error{
			Reason:  ReasonCircuitOpen,
			Message: "execution temporarily unavailable, retry after backoff",
		}
	}

	g.mu.Lock()
	if current := g.inflight[userID]; current >= g.config.MaxConcurrentPerUser {
		g.mu.Unlock()
		return nil, &Error{
			Reason:  ReasonConcurrency,
			Message: fmt.Sprintf("user has %d execution calls in flight, limit is %d", current, g.config.MaxConcurrentPerUser),
		}
	}
	g.inflight[userID]++
	g.mu.Unlock()

	var once sync.Once
	release := func(ok bool) {
		once.Do(func() {
			g.mu.Lock()
			g.inflight[userID]--
			if g.inflight[userID] <= 0 {
				delete(g.inflight, userID)
			}
			g.mu.Unlock()
			g.breaker.Record(ok)
		})
	}
	return release, nil
}

// InFlight returns the user's current in-flight execution call count.
func (g *Guard) InFlight(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight[userID]
}

// processMemory returns the Go heap in use plus stack. It approximates
// resident memory without a cgo or /proc dependency.
func processMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse + ms.StackInuse
}
