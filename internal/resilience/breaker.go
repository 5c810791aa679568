// Package resilience guards the orchestrator against a misbehaving engine
// CLI. Repeated subprocess failures open a circuit; while the circuit is
// open the engine reports itself unavailable and step execution falls back
// to the stub path instead of burning retries on a broken binary.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and rejecting calls.
var ErrOpen = errors.New("engine circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a three-state circuit breaker. Consecutive failures open the
// circuit; after a cooldown a single probe call is let through. A
// successful probe closes the circuit, a failed one reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time // for testing
}

// NewBreaker creates a Breaker that opens after maxFailures consecutive
// failures and stays open for the given cooldown before probing.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Call runs fn if the circuit is closed or accepting a probe.
// Returns ErrOpen without invoking fn while the circuit is open.
// A nil Breaker runs fn directly.
func (b *Breaker) Call(fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.allow() {
		return ErrOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// Ready reports whether a call would currently be admitted. Engine
// availability checks use this to route execution to the stub path while
// the circuit is cooling down.
func (b *Breaker) Ready() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		return b.now().Sub(b.openedAt) >= b.cooldown
	case stateHalfOpen:
		return !b.probing
	}
	return false
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.probing = false
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.probing = false
	b.failures = 0
	b.state = stateClosed
}
