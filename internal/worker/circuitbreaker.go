package worker

import (
	"sync"
	"time"
)

// CBState is one of the three circuit-breaker states described in
// SPEC_FULL.md §3 / §4.2.
type CBState int

const (
	CBClosed CBState = iota
	CBOpen
	CBHalfOpen
)

func (s CBState) String() string {
	switch s {
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds the thresholds a CircuitBreaker transitions on.
type CircuitBreakerConfig struct {
	FailureThreshold int           // failures within Window before tripping Open
	SuccessThreshold int           // consecutive successes in HalfOpen before closing
	Timeout          time.Duration // how long Open waits before probing HalfOpen
	Window           time.Duration // sliding window over which failures are counted
}

// DefaultCircuitBreakerConfig mirrors the defaults this codebase ships for
// its other backoff-guarded callers (see internal/config).
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

// CircuitBreaker is a three-state breaker whose transitions are serialized by
// a per-instance lock (SPEC_FULL.md §5: "Circuit-breaker state transitions
// are serialized by a per-worker lock or atomic CAS").
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       CBState
	openedAt    time.Time
	failures    []time.Time // failure timestamps within the current window
	halfOpenOK  int
}

// NewCircuitBreaker constructs a breaker starting Closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{cfg: cfg, state: CBClosed}
}

// State returns the breaker's state as of now, applying the Open→HalfOpen
// timeout transition lazily (no background timer needed).
func (cb *CircuitBreaker) State(now time.Time) CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked(now)
	return cb.state
}

// Allow reports whether a call should be attempted right now.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State(time.Now()) != CBOpen
}

func (cb *CircuitBreaker) maybeProbeLocked(now time.Time) {
	if cb.state == CBOpen && now.Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.state = CBHalfOpen
		cb.halfOpenOK = 0
	}
}

// RecordOutcome feeds a call result into the breaker, transitioning state per
// the DAG in SPEC_FULL.md §3:
//
//	Closed  →(failures >= threshold within window)→ Open
//	Open    →(now - openedAt >= timeout)→ HalfOpen   (handled by maybeProbeLocked)
//	HalfOpen →(successes >= threshold)→ Closed
//	HalfOpen →(any failure)→ Open
func (cb *CircuitBreaker) RecordOutcome(success bool, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked(now)

	switch cb.state {
	case CBHalfOpen:
		if success {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.SuccessThreshold {
				cb.state = CBClosed
				cb.failures = nil
				cb.halfOpenOK = 0
			}
		} else {
			cb.trip(now)
		}
	case CBClosed:
		if success {
			cb.pruneLocked(now)
			return
		}
		cb.failures = append(cb.pruneWindowLocked(now), now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.trip(now)
		}
	case CBOpen:
		// Outcomes recorded while Open (e.g. a racing in-flight call) don't
		// change state; only the timeout-driven probe above does.
	}
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = CBOpen
	cb.openedAt = now
	cb.halfOpenOK = 0
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cb.failures = cb.pruneWindowLocked(now)
}

func (cb *CircuitBreaker) pruneWindowLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
