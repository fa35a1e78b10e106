// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quartermaster",
		Subsystem: "gateway",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per backend: 0 closed, 1 open, 2 half-open",
	}, []string{"backend"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "gateway",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by backend and new state",
	}, []string{"backend", "to"})
)

// =============================================================================
// Breaker
// =============================================================================

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String renders the state for logs and metrics labels.
func (s State) String() string {
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

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// DefaultFailureThreshold is the consecutive-failure count that opens the
// breaker.
const DefaultFailureThreshold = 5

// DefaultCooldown is how long the breaker stays open before permitting a
// probe.
const DefaultCooldown = 30 * time.Second

// Breaker shields one backend from repeated failure.
//
// # Description
//
// CLOSED counts consecutive failures and opens at the threshold. OPEN
// rejects every call without touching the network until the cool-down
// elapses, then HALF_OPEN admits exactly one probe: success closes the
// breaker, failure reopens it and restarts the cool-down.
//
// # Thread Safety
//
// Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time // test seam
}

// NewBreaker creates a Breaker for a named backend. Non-positive threshold
// or cooldown use the defaults.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. Returns ErrOpen when the
// breaker is rejecting; the caller must not touch the backend.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call, closing the breaker from any state.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure records a failed call. In CLOSED it counts toward the threshold;
// in HALF_OPEN it reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// Late failure from a call admitted before opening; nothing to do.
	}
}

// State returns the current state. It never advances OPEN to HALF_OPEN;
// Allow owns all transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}
