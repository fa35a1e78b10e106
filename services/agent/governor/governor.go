// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governor provides admission control for the agent pipeline: a
// fixed global concurrency ceiling plus a smaller per-user ceiling. Requests
// beyond either ceiling are rejected immediately, without queuing.
package governor

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	governorInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quartermaster",
		Subsystem: "governor",
		Name:      "inflight",
		Help:      "Requests currently holding a concurrency slot",
	})

	governorRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "governor",
		Name:      "rejected_total",
		Help:      "Admission rejections by ceiling: global, user",
	}, []string{"ceiling"})
)

// =============================================================================
// Governor
// =============================================================================

// DefaultWarnFraction is the load fraction at which callers should start
// shedding pre-emptively.
const DefaultWarnFraction = 0.9

// Governor admits or rejects requests before any work begins.
//
// # Description
//
// The global ceiling is a weighted semaphore probed with TryAcquire, so a
// rejection never blocks. Per-user counts live in a mutex-guarded map.
// Acquire returns a Slot whose Release is idempotent and must run on every
// exit path, including cancellation.
//
// # Thread Safety
//
// Safe for concurrent use.
type Governor struct {
	global   *semaphore.Weighted
	limit    int64
	perUser  int
	warnFrac float64

	mu       sync.Mutex
	byUser   map[string]int
	inflight int64

	logger *slog.Logger
}

// New creates a Governor.
//
// # Inputs
//
//   - globalLimit: Maximum simultaneous requests across all users. Must be > 0.
//   - perUserLimit: Maximum simultaneous requests per user. Values < 1 or
//     greater than globalLimit are clamped.
//   - logger: Logger instance. May be nil.
func New(globalLimit, perUserLimit int, logger *slog.Logger) *Governor {
	if globalLimit <= 0 {
		globalLimit = 1
	}
	if perUserLimit <= 0 || perUserLimit > globalLimit {
		perUserLimit = globalLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		global:   semaphore.NewWeighted(int64(globalLimit)),
		limit:    int64(globalLimit),
		perUser:  perUserLimit,
		warnFrac: DefaultWarnFraction,
		byUser:   make(map[string]int),
		logger:   logger,
	}
}

// Slot is an admission reservation. Release exactly once per Acquire; extra
// Release calls are no-ops.
type Slot struct {
	g    *Governor
	user string
	once sync.Once
}

// Release returns the slot to both counters.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.g.mu.Lock()
		s.g.byUser[s.user]--
		if s.g.byUser[s.user] <= 0 {
			delete(s.g.byUser, s.user)
		}
		s.g.inflight--
		s.g.mu.Unlock()
		s.g.global.Release(1)
		governorInflight.Dec()
	})
}

// Acquire reserves a slot for the given user, or rejects immediately.
//
// # Outputs
//
//   - *Slot: The reservation. Nil on rejection.
//   - error: A fault.KindConcurrencyRejected fault when either ceiling is hit.
func (g *Governor) Acquire(user string) (*Slot, error) {
	if !g.global.TryAcquire(1) {
		governorRejectedTotal.WithLabelValues("global").Inc()
		g.logger.Warn("admission rejected: global ceiling",
			slog.Int64("limit", g.limit),
		)
		return nil, fault.Newf(fault.KindConcurrencyRejected,
			"global concurrency ceiling (%d) reached", g.limit)
	}

	g.mu.Lock()
	if g.byUser[user] >= g.perUser {
		g.mu.Unlock()
		g.global.Release(1)
		governorRejectedTotal.WithLabelValues("user").Inc()
		g.logger.Warn("admission rejected: per-user ceiling",
			slog.String("user", user),
			slog.Int("limit", g.perUser),
		)
		return nil, fault.Newf(fault.KindConcurrencyRejected,
			"per-user concurrency ceiling (%d) reached", g.perUser)
	}
	g.byUser[user]++
	g.inflight++
	g.mu.Unlock()

	governorInflight.Inc()
	return &Slot{g: g, user: user}, nil
}

// Inflight returns the number of currently held slots.
func (g *Governor) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.inflight)
}

// LoadFraction returns current/ceiling in [0,1] so callers can shed load
// before hard rejection.
func (g *Governor) LoadFraction() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.inflight) / float64(g.limit)
}

// Overloaded reports whether the load fraction has crossed the warning
// threshold.
func (g *Governor) Overloaded() bool {
	return g.LoadFraction() >= g.warnFrac
}

// SetWarnFraction overrides the warning threshold. Call during init only.
func (g *Governor) SetWarnFraction(f float64) {
	if f > 0 && f <= 1 {
		g.warnFrac = f
	}
}
