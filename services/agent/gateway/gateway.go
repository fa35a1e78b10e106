// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway fronts the configured model backends with a circuit
// breaker, bounded retry, rate limiting, and ordered failover, so the rest
// of the pipeline sees a single Chat surface that degrades instead of
// hanging.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/llm"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	gatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Gateway calls by backend and outcome: ok, error, rejected",
	}, []string{"backend", "outcome"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quartermaster",
		Subsystem: "gateway",
		Name:      "call_latency_seconds",
		Help:      "Latency of successful backend calls",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"backend"})

	gatewayFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "gateway",
		Name:      "failover_total",
		Help:      "Times a request moved past a failed backend",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var gatewayTracer = otel.Tracer("quartermaster.agent.gateway")

// =============================================================================
// Gateway
// =============================================================================

// DefaultMaxTries caps retry attempts per backend, the first try included.
const DefaultMaxTries = 3

// DefaultRequestRate is the per-backend steady request rate.
const DefaultRequestRate = rate.Limit(5)

// DefaultRequestBurst is the per-backend burst allowance.
const DefaultRequestBurst = 10

// backend pairs a client with its protective state.
type backend struct {
	client  llm.Client
	breaker *Breaker
	limiter *rate.Limiter
}

// Options tune gateway behavior. The zero value uses all defaults.
type Options struct {
	// MaxTries caps attempts per backend, first try included.
	MaxTries int

	// FailureThreshold is consecutive failures before a breaker opens.
	FailureThreshold int

	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration

	// RequestRate and RequestBurst configure the per-backend limiter.
	RequestRate  rate.Limit
	RequestBurst int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxTries <= 0 {
		out.MaxTries = DefaultMaxTries
	}
	if out.RequestRate <= 0 {
		out.RequestRate = DefaultRequestRate
	}
	if out.RequestBurst <= 0 {
		out.RequestBurst = DefaultRequestBurst
	}
	return out
}

// Gateway issues model calls through breakers, retries, and failover.
//
// # Description
//
// Backends are tried in configuration order. A backend whose breaker is
// open is skipped without a network call. Transient errors (rate limiting,
// temporary unavailability, network) retry with exponential backoff and
// jitter up to MaxTries; auth and malformed-request errors are permanent
// and fail the backend immediately. When a backend is exhausted the next
// one is tried; only when every backend has failed does the caller see an
// error, normalized to a fault kind.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	backends []*backend
	opts     Options
	logger   *slog.Logger
}

// New creates a Gateway over the given clients, tried in order.
func New(clients []llm.Client, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	o := opts.withDefaults()
	g := &Gateway{opts: o, logger: logger}
	for _, c := range clients {
		g.backends = append(g.backends, &backend{
			client:  c,
			breaker: NewBreaker(c.Name(), o.FailureThreshold, o.Cooldown),
			limiter: rate.NewLimiter(o.RequestRate, o.RequestBurst),
		})
	}
	return g
}

// Backends returns the configured backend names in failover order.
func (g *Gateway) Backends() []string {
	names := make([]string, len(g.backends))
	for i, b := range g.backends {
		names[i] = b.client.Name()
	}
	return names
}

// Chat issues one model call with full protection.
//
// # Outputs
//
//   - *llm.ChatResult: The first successful backend's result.
//   - error: A fault (provider unavailable or provider auth) only after
//     every configured backend has been skipped or exhausted.
func (g *Gateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	ctx, span := gatewayTracer.Start(ctx, "gateway.Gateway.Chat",
		trace.WithAttributes(attribute.Int("backends", len(g.backends))),
	)
	defer span.End()

	if len(g.backends) == 0 {
		return nil, fault.New(fault.KindProviderUnavailable, "no model backends configured")
	}

	var lastErr error
	for i, b := range g.backends {
		name := b.client.Name()

		if err := b.breaker.Allow(); err != nil {
			gatewayCallsTotal.WithLabelValues(name, "rejected").Inc()
			g.logger.Debug("backend skipped, breaker open", slog.String("backend", name))
			lastErr = err
			continue
		}

		// A half-open breaker admitted exactly one probe; retrying would
		// multiply it into several network attempts.
		probe := b.breaker.State() == StateHalfOpen

		res, err := g.callWithRetry(ctx, b, req, probe)
		if err == nil {
			b.breaker.Success()
			gatewayCallsTotal.WithLabelValues(name, "ok").Inc()
			span.SetAttributes(attribute.String("backend", name))
			return res, nil
		}

		b.breaker.Failure()
		gatewayCallsTotal.WithLabelValues(name, "error").Inc()
		lastErr = err
		g.logger.Warn("backend failed",
			slog.String("backend", name),
			slog.String("error", llm.SafeLogString(err.Error())),
			slog.String("kind", llm.KindOf(err).String()),
		)
		if i < len(g.backends)-1 {
			gatewayFailovers.Inc()
		}
		// Context gone means every remaining backend would fail the same way.
		if ctx.Err() != nil {
			break
		}
	}

	span.SetStatus(codes.Error, "all backends failed")
	return nil, normalizeError(lastErr)
}

// callWithRetry runs one backend with rate limiting and bounded backoff.
// singleTry caps the backend at one attempt regardless of MaxTries.
func (g *Gateway) callWithRetry(ctx context.Context, b *backend, req llm.ChatRequest, singleTry bool) (*llm.ChatResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tries := g.opts.MaxTries
	if singleTry {
		tries = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	name := b.client.Name()
	op := func() (*llm.ChatResult, error) {
		start := time.Now()
		res, err := b.client.Chat(ctx, req)
		if err != nil {
			if !llm.KindOf(err).Transient() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		gatewayLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return res, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(tries)),
	)
}

// normalizeError maps the terminal provider error to a fault the pipeline
// can present.
func normalizeError(err error) error {
	switch {
	case err == nil:
		return fault.New(fault.KindProviderUnavailable, "no backend produced a result")
	case errors.Is(err, ErrOpen):
		return fault.Wrap(fault.KindProviderUnavailable, "all backends cooling down", err)
	case llm.KindOf(err) == llm.KindAuth:
		return fault.Wrap(fault.KindProviderAuth, "provider rejected credentials", err)
	default:
		return fault.Wrap(fault.KindProviderUnavailable, "provider call failed", err)
	}
}
