package callback

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// circuitState is the current mode of a circuitBreaker.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker stops the dispatcher from hammering a callback endpoint
// that is already failing: once failureThreshold consecutive deliveries
// to one host fail, it fails fast for recoveryTimeout before letting a
// single probe request through. Adapted from the teacher's
// pkg/resilience/circuit_breaker.go, trimmed to the single Execute
// entry point the dispatcher needs (no stats snapshot, no external
// state-change callback — nothing in this domain consumes either).
type circuitBreaker struct {
	failureThreshold int64
	successThreshold int64
	recoveryTimeout  time.Duration

	mu               sync.Mutex
	state            circuitState
	failures         int64
	successes        int64
	stateChangedAt   time.Time
}

func newCircuitBreaker(failureThreshold, successThreshold int64, recoveryTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            circuitClosed,
		stateChangedAt:   time.Now(),
	}
}

var errCircuitOpen = fmt.Errorf("callback endpoint circuit is open")

// Execute runs fn if the breaker currently allows it, recording the
// outcome against the breaker's failure/success counters.
func (cb *circuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return errCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.stateChangedAt) >= cb.recoveryTimeout {
			cb.setState(circuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes++
	if cb.state == circuitClosed {
		cb.failures = 0
	}
	if cb.state == circuitHalfOpen && cb.successes >= cb.successThreshold {
		cb.setState(circuitClosed)
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	switch cb.state {
	case circuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.setState(circuitOpen)
		}
	case circuitHalfOpen:
		cb.setState(circuitOpen)
	}
}

// setState must be called with mu held.
func (cb *circuitBreaker) setState(s circuitState) {
	cb.state = s
	cb.stateChangedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}

// circuitBreakerRegistry hands out one circuitBreaker per callback host,
// so one caller's broken endpoint never throttles deliveries to another.
type circuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

func newCircuitBreakerRegistry() *circuitBreakerRegistry {
	return &circuitBreakerRegistry{breakers: make(map[string]*circuitBreaker)}
}

func (r *circuitBreakerRegistry) get(host string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = newCircuitBreaker(5, 2, 30*time.Second)
		r.breakers[host] = cb
	}
	return cb
}
