// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quartermaster/services/llm"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	classifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "intent",
		Name:      "classify_total",
		Help:      "Classification outcomes by source: cached, heuristic, model, fail_open",
	}, []string{"source"})

	classifyModelLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartermaster",
		Subsystem: "intent",
		Name:      "model_latency_seconds",
		Help:      "Latency of model-backed classification calls",
		Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var classifierTracer = otel.Tracer("quartermaster.agent.intent")

// =============================================================================
// Classifier
// =============================================================================

// DefaultModelTimeout bounds the model fallback tier. The classifier must
// never stall a turn on classification.
const DefaultModelTimeout = 2 * time.Second

// failOpenConfidence is attached to fail-open conversational results so
// downstream consumers can distinguish them from genuine classifications.
const failOpenConfidence = 0.2

// classifyPrompt instructs the fallback model to emit exactly one label.
const classifyPrompt = `You are an intent classifier. Reply with exactly one of these labels and nothing else:
location_query, file_read, file_search, directory_listing, shell_execution, data_analysis, research_query, financial_query, conversational.

Classify this request:`

// Chatter is the model surface the classifier falls back to. Satisfied by
// the provider gateway.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
}

// Classifier resolves an utterance to a Result through three tiers: cache,
// heuristic rules, model fallback.
//
// # Description
//
// The cache is consulted first (source=cached on hit). The compiled rule set
// runs next; the first matching rule wins with its declared weight
// (source=heuristic). Everything else goes to the model with a short timeout;
// a parsed label is cached and returned (source=model). On model timeout or
// failure the classifier fails open to conversational with low confidence;
// classification errors never surface to the caller.
//
// # Thread Safety
//
// Safe for concurrent use.
type Classifier struct {
	rules   atomic.Pointer[RuleSet]
	cache   *Cache
	model   Chatter // nil disables the fallback tier
	timeout time.Duration
	logger  *slog.Logger
}

// NewClassifier creates a Classifier.
//
// # Inputs
//
//   - rules: Compiled heuristic rules. Nil uses the embedded defaults.
//   - cache: Result cache. Nil uses a cache with default TTL and bound.
//   - model: Fallback model surface. Nil skips the model tier entirely.
//   - timeout: Model tier budget. Zero uses DefaultModelTimeout.
//   - logger: Logger instance. May be nil.
func NewClassifier(rules *RuleSet, cache *Cache, model Chatter, timeout time.Duration, logger *slog.Logger) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	if cache == nil {
		cache = NewCache(0, 0)
	}
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{cache: cache, model: model, timeout: timeout, logger: logger}
	c.rules.Store(rules)
	return c
}

// ReplaceRules swaps in a new compiled rule set. In-flight classifications
// finish against the set they started with.
func (c *Classifier) ReplaceRules(rules *RuleSet) {
	if rules == nil {
		return
	}
	c.rules.Store(rules)
	c.logger.Info("intent rules replaced")
}

// Classify returns an intent Result for the utterance. Never returns an
// error: every failure path degrades to conversational.
func (c *Classifier) Classify(ctx context.Context, utterance string) Result {
	ctx, span := classifierTracer.Start(ctx, "intent.Classifier.Classify",
		trace.WithAttributes(attribute.Int("utterance_len", len(utterance))),
	)
	defer span.End()

	normalized := Normalize(utterance)
	if normalized == "" {
		classifyTotal.WithLabelValues("heuristic").Inc()
		return Result{Category: CategoryConversational, Confidence: 1, Source: SourceHeuristic, At: time.Now()}
	}

	// Tier 1: cache.
	if r, ok := c.cache.Get(normalized); ok {
		r.Source = SourceCached
		classifyTotal.WithLabelValues("cached").Inc()
		span.SetAttributes(
			attribute.String("source", "cached"),
			attribute.String("category", string(r.Category)),
		)
		return r
	}

	// Tier 2: heuristic rules, first match wins.
	if cat, weight, ok := c.rules.Load().Match(normalized); ok {
		r := Result{Category: cat, Confidence: weight, Source: SourceHeuristic, At: time.Now()}
		classifyTotal.WithLabelValues("heuristic").Inc()
		span.SetAttributes(
			attribute.String("source", "heuristic"),
			attribute.String("category", string(cat)),
		)
		return r
	}

	// Tier 3: model fallback, fail open.
	if c.model == nil {
		return c.failOpen(span, "no model configured")
	}
	r, ok := c.classifyWithModel(ctx, utterance)
	if !ok {
		return c.failOpen(span, "model tier failed")
	}
	c.cache.Put(normalized, r)
	classifyTotal.WithLabelValues("model").Inc()
	span.SetAttributes(
		attribute.String("source", "model"),
		attribute.String("category", string(r.Category)),
	)
	return r
}

// classifyWithModel asks the fallback model for a single label.
func (c *Classifier) classifyWithModel(ctx context.Context, utterance string) (Result, bool) {
	mctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.model.Chat(mctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: utterance},
		},
		Temperature: 0,
		MaxTokens:   16,
	})
	classifyModelLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("intent model fallback failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return Result{}, false
	}

	label := firstLine(res.Content)
	cat := ParseCategory(label)
	if cat == CategoryUnknown {
		c.logger.Warn("intent model returned unparseable label",
			slog.String("label", label),
		)
		return Result{}, false
	}
	return Result{Category: cat, Confidence: 0.7, Source: SourceModel, At: time.Now()}, true
}

// failOpen returns the conversational degradation result.
func (c *Classifier) failOpen(span trace.Span, reason string) Result {
	classifyTotal.WithLabelValues("fail_open").Inc()
	span.SetAttributes(
		attribute.String("source", "fail_open"),
		attribute.String("fail_open_reason", reason),
	)
	return Result{
		Category:   CategoryConversational,
		Confidence: failOpenConfidence,
		Source:     SourceModel,
		At:         time.Now(),
	}
}

// firstLine extracts the first non-empty line of model output.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
