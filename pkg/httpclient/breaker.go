package httpclient

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows all requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all requests until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request through.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker prevents cascading failures by rejecting requests once an
// upstream has failed repeatedly, probing it again after a reset timeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultCircuitThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultCircuitTimeout
	}
	return &CircuitBreaker{
		state:        CircuitClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether a request may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.state = CircuitHalfOpen
			b.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful request and closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure notes a failed request, opening the circuit once the
// failure threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = time.Now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}

// State returns the current state of the breaker.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the failure count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}
