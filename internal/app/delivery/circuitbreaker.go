package delivery

import (
	"sync"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/domain/rule"
)

// CircuitBreaker implements the per-rule breaker of spec §4.5 step 6:
// closed → open after `threshold` consecutive failures, open → half-open
// after `openMs`, half-open permits exactly one probe before deciding the
// next state. Adapted from the teacher's infrastructure/resilience.CircuitBreaker,
// re-typed onto rule.CircuitState so its state can be mirrored directly onto
// IntegrationRule.CurrentCircuitState for the rule resolver to read.
type CircuitBreaker struct {
	mu             sync.Mutex
	policy         rule.CircuitBreakerPolicy
	state          rule.CircuitState
	failures       int
	halfOpenProbed bool
	openedAt       time.Time
}

// NewCircuitBreaker constructs a closed breaker under policy, applying the
// same zero-value defaults as the teacher's resilience.DefaultConfig.
func NewCircuitBreaker(policy rule.CircuitBreakerPolicy) *CircuitBreaker {
	if policy.Threshold <= 0 {
		policy.Threshold = 5
	}
	if policy.OpenMs <= 0 {
		policy.OpenMs = 30000
	}
	return &CircuitBreaker{policy: policy, state: rule.CircuitClosed}
}

// State returns the breaker's current mirrored state.
func (cb *CircuitBreaker) State() rule.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a delivery attempt may proceed, transitioning
// open → half-open once the open window has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case rule.CircuitOpen:
		if time.Since(cb.openedAt) < time.Duration(cb.policy.OpenMs)*time.Millisecond {
			return false
		}
		cb.state = rule.CircuitHalfOpen
		cb.halfOpenProbed = false
		fallthrough
	case rule.CircuitHalfOpen:
		if cb.halfOpenProbed {
			return false
		}
		cb.halfOpenProbed = true
		return true
	default:
		return true
	}
}

// RecordSuccess clears the failure count, closing a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = rule.CircuitClosed
}

// RecordFailure counts a failed attempt, opening the breaker once the
// configured threshold is reached (or immediately, if the failing attempt
// was the half-open probe).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case rule.CircuitHalfOpen:
		cb.open()
	case rule.CircuitClosed:
		if cb.failures >= cb.policy.Threshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = rule.CircuitOpen
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.halfOpenProbed = false
}

// Registry holds one CircuitBreaker per rule, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs an empty circuit breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for ruleID, constructing one from policy on first
// access. Later calls ignore policy and reuse the existing breaker, since a
// rule's policy rarely changes mid-flight and a breaker mid-window should
// not reset on a config re-read.
func (r *Registry) Get(ruleID string, policy rule.CircuitBreakerPolicy) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[ruleID]
	if !ok {
		cb = NewCircuitBreaker(policy)
		r.breakers[ruleID] = cb
	}
	return cb
}
