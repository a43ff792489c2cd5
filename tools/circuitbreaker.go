// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"log"
	"sync"
	"time"
)

// BreakerState is the per-server failure-isolation state.
type BreakerState string

const (
	// BreakerClosed means calls flow normally.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen means calls short-circuit immediately with
	// service-unavailable until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits exactly one trial call after cooldown.
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker tracks consecutive failures for one downstream server.
//
//	Closed --(threshold consecutive failures)--> Open
//	Open --(cooldown elapsed)--> HalfOpen
//	HalfOpen --(trial succeeds)--> Closed
//	HalfOpen --(trial fails)--> Open, cooldown restarts
//
// The half-open probe is the only automatic retry in the gateway, and
// it is a single trial, not a loop.
type CircuitBreaker struct {
	server    string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named server.
func NewCircuitBreaker(server string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		server:    server,
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, at which point exactly one caller is
// admitted as the half-open trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		// The caller that flips the state is the trial; trialing stays
		// set until the trial reports back.
		cb.state = BreakerHalfOpen
		cb.trialing = true
		log.Printf("[Breaker] %s: open -> half-open, admitting trial call", cb.server)
		return true
	case BreakerHalfOpen:
		if cb.trialing {
			return false
		}
		cb.trialing = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker after a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerClosed {
		log.Printf("[Breaker] %s: %s -> closed", cb.server, cb.state)
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.trialing = false
}

// RecordFailure counts a failed call, opening the breaker at the
// threshold. A failed half-open trial reopens with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		cb.trialing = false
		log.Printf("[Breaker] %s: half-open trial failed, reopening for %v", cb.server, cb.cooldown)
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
			log.Printf("[Breaker] %s: opened after %d consecutive failures", cb.server, cb.failures)
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
