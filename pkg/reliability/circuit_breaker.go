package reliability

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

// CircuitBreaker trips after maxFailures consecutive failures and stays open
// for the cooldown period. After the cooldown a single probe is allowed
// through; success closes the breaker, failure reopens it. Each account's
// supervisor loop carries one to keep a broken mailbox host from being
// hammered with restart attempts.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration

	failures    int
	lastFailure time.Time
	state       CircuitBreakerState
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) (*CircuitBreaker, error) {
	if maxFailures <= 0 {
		return nil, errors.New("maxFailures must be greater than 0")
	}
	if cooldown <= 0 {
		return nil, errors.New("cooldown must be greater than 0")
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
	}, nil
}

// Allow reports whether an attempt may proceed right now. When the breaker
// is open and the cooldown has elapsed, it transitions to half-open and lets
// one probe through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cooldown {
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure bumps the failure count and opens the breaker once the
// threshold is reached. A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
