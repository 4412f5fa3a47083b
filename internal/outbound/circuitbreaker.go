// Package outbound implements the control-plane batcher: coalescing,
// priority flushing, retry, and circuit-breaker discipline for QR and
// status events headed upstream (C6).
package outbound

import (
	"sync"
	"time"

	"whatsapp-gateway/pkg/logger"
)

// CircuitState is one of the three states in invariant C-1.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreaker guards the single upstream target the batcher flushes to.
// Transitions: CLOSED->OPEN on failureThreshold consecutive failures,
// OPEN->HALF_OPEN after resetTimeout, HALF_OPEN->CLOSED on one success,
// HALF_OPEN->OPEN on failure.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state        CircuitState
	failures     int
	lastFailTime time.Time
	probeInFlight bool
}

// NewCircuitBreaker builds a circuit breaker starting CLOSED.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN->HALF_OPEN
// when resetTimeout has elapsed. While OPEN, calls fail fast.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			logger.Info().Msg("circuit breaker half-open, allowing probe call")
			return true
		}
		return false
	case StateHalfOpen:
		// Only the one probe call already admitted is allowed through;
		// concurrent callers fail fast until it resolves.
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit on a HALF_OPEN probe success, or resets
// the failure counter on a CLOSED-state success.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.probeInFlight = false
		logger.Info().Msg("circuit breaker closed after successful probe")
	}
}

// RecordFailure counts a failure, opening the circuit once the threshold
// is reached, or re-opening immediately on a failed HALF_OPEN probe.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			logger.Warn().Int("failures", cb.failures).Msg("circuit breaker opened")
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probeInFlight = false
		logger.Warn().Msg("circuit breaker re-opened after failed probe")
	}
}

// State returns the current state, for /metrics/batch reporting.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// circuitOpenError is the type of ErrCircuitOpen.
type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "circuit open" }

// ErrCircuitOpen is the sentinel error Execute returns while OPEN.
var ErrCircuitOpen error = circuitOpenError{}

// Execute runs fn only if the breaker currently allows it, recording the
// outcome. Returns ErrCircuitOpen immediately if the breaker is tripped.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
