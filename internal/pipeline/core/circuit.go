// Package core provides a circuit breaker for outbound providers.
package core

import (
	"sync/atomic"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the state label.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
	Now              func() time.Time
}

// CircuitBreaker tracks consecutive failures and sheds calls while open.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cb := &CircuitBreaker{opts: opts}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	return CircuitState(cb.state.Load())
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.opts.Now().UnixNano() < cb.openUntil.Load() {
			return false
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.halfOpenInFlight.Store(0)
		}
		return cb.admitHalfOpen()
	case CircuitHalfOpen:
		return cb.admitHalfOpen()
	default:
		return true
	}
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.state.Store(int32(CircuitClosed))
	}
	cb.failures.Store(0)
}

// OnFailure records a failure and updates state.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.opts.FailureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) admitHalfOpen() bool {
	if cb.halfOpenInFlight.Add(1) <= cb.opts.HalfOpenMaxCalls {
		return true
	}
	cb.halfOpenInFlight.Add(-1)
	return false
}

func (cb *CircuitBreaker) trip() {
	cb.failures.Store(cb.opts.FailureThreshold)
	cb.openUntil.Store(cb.opts.Now().Add(cb.opts.OpenDuration).UnixNano())
	cb.state.Store(int32(CircuitOpen))
}
