package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// BreakerState is where a CircuitBreaker stands.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling the operation while the breaker
// is open or a trial call is in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling the store after threshold consecutive store
// failures. Once resetTimeout has passed since it opened, a single trial call
// is let through: success closes it again, failure reopens it.
//
// Only store failures count. Business outcomes such as an exhausted slot set
// or a failed sequence callback, and calls cancelled by the caller, leave the
// count alone.
type CircuitBreaker struct {
	threshold    int
	resetTimeout time.Duration
	nowFunc      func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

func isFailure(err error) bool {
	return err != nil && !core.IsBusiness(err) && !errors.Is(err, context.Canceled)
}

// Execute calls fn unless the breaker rejects it, and returns fn's error
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(trial, isFailure(err))
	return err
}

// admit decides whether a call may run and whether it is the trial call.
func (cb *CircuitBreaker) admit() (trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		return true, true
	}
	return false, false
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !failed {
		cb.failures = 0
		if trial {
			cb.state = StateClosed
		}
		return
	}
	cb.failures++
	if trial || (cb.state == StateClosed && cb.failures >= cb.threshold) {
		cb.state = StateOpen
		cb.openedAt = cb.nowFunc()
	}
}

// State reports the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
