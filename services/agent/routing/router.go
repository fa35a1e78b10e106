// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/quartermaster/services/agent/intent"
	"github.com/AleutianAI/quartermaster/services/llm"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	routerForcedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "router",
		Name:      "forced_total",
		Help:      "Total forced tool overrides by tool",
	}, []string{"tool"})

	routerPassthroughTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "router",
		Name:      "passthrough_total",
		Help:      "Times the model proposal was used unchanged",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routerTracer = otel.Tracer("quartermaster.agent.routing")

// =============================================================================
// Override Rules
// =============================================================================

//go:embed override_rules.yaml
var defaultOverrideYAML []byte

const regexPrefix = "re:"

type overrideFile struct {
	Rules []OverrideRule `yaml:"rules"`
}

// OverrideRule forces a specific tool when a high-precision pattern matches.
type OverrideRule struct {
	// Tool is the canonical tool name to force.
	Tool string `yaml:"tool"`

	// Reason is the audit string surfaced on every firing.
	Reason string `yaml:"reason"`

	// Patterns are substring or "re:"-prefixed regex patterns.
	Patterns []string `yaml:"patterns"`

	// Extensions, when set, additionally require a ".<ext>" mention.
	Extensions []string `yaml:"extensions"`
}

type compiledOverride struct {
	tool       string
	reason     string
	substrings []string
	regexes    []*regexp.Regexp
	extRegex   *regexp.Regexp
}

// fileArgPattern pulls a path-looking token out of an utterance so a forced
// tool receives the file the user named.
var fileArgPattern = regexp.MustCompile(`[\w~./-]*\w\.\w+`)

// =============================================================================
// Router
// =============================================================================

// Router applies deterministic overrides to model tool proposals.
//
// # Description
//
// Rules compile once at construction and evaluate in declaration order; at
// most one rule fires per turn. When a rule fires, its tool displaces
// whatever the model proposed and the override is logged, counted, and
// flagged on the returned ToolCall. When no rule fires, the model's proposal
// passes through as-is; with no proposal either, the classified category maps
// to a default local tool where one exists.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the compiled rule set atomically;
// a routing decision in flight finishes against the set it started with.
type Router struct {
	rules  atomic.Pointer[[]compiledOverride]
	logger *slog.Logger
}

// NewRouter creates a Router from a YAML rule document. Nil raw uses the
// embedded defaults.
func NewRouter(raw []byte, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := compileOverrides(raw)
	if err != nil {
		return nil, err
	}
	r := &Router{logger: logger}
	r.rules.Store(&rules)
	return r, nil
}

// Reload recompiles the rule document and swaps it in. On error the
// previous rules stay active.
func (r *Router) Reload(raw []byte) error {
	rules, err := compileOverrides(raw)
	if err != nil {
		return err
	}
	r.rules.Store(&rules)
	r.logger.Info("override rules replaced", slog.Int("rules", len(rules)))
	return nil
}

// compileOverrides parses and validates a YAML rule document. Nil raw uses
// the embedded defaults.
func compileOverrides(raw []byte) ([]compiledOverride, error) {
	if raw == nil {
		raw = defaultOverrideYAML
	}
	var doc overrideFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse override rules: %w", err)
	}
	var rules []compiledOverride
	for i, rule := range doc.Rules {
		if rule.Tool == "" {
			return nil, fmt.Errorf("override rule %d: missing tool", i)
		}
		if rule.Reason == "" {
			return nil, fmt.Errorf("override rule %d (%s): missing reason", i, rule.Tool)
		}
		co := compiledOverride{tool: rule.Tool, reason: rule.Reason}
		for _, p := range rule.Patterns {
			if strings.HasPrefix(p, regexPrefix) {
				re, err := regexp.Compile(strings.TrimPrefix(p, regexPrefix))
				if err != nil {
					return nil, fmt.Errorf("override rule %d (%s): bad regex %q: %w", i, rule.Tool, p, err)
				}
				co.regexes = append(co.regexes, re)
			} else {
				co.substrings = append(co.substrings, strings.ToLower(p))
			}
		}
		if len(co.substrings) == 0 && len(co.regexes) == 0 {
			return nil, fmt.Errorf("override rule %d (%s): no patterns", i, rule.Tool)
		}
		if len(rule.Extensions) > 0 {
			quoted := make([]string, len(rule.Extensions))
			for j, ext := range rule.Extensions {
				quoted[j] = regexp.QuoteMeta(ext)
			}
			re, err := regexp.Compile(`\.(` + strings.Join(quoted, "|") + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("override rule %d (%s): bad extensions: %w", i, rule.Tool, err)
			}
			co.extRegex = re
		}
		rules = append(rules, co)
	}
	return rules, nil
}

// Route produces the final ToolCall for a turn.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - utterance: Raw user text.
//   - res: The classification result for the utterance.
//   - proposed: The model's own tool proposal. May be nil.
//
// # Outputs
//
//   - *ToolCall: The routed call. Nil means no tool applies and the turn
//     should be answered conversationally.
func (r *Router) Route(ctx context.Context, utterance string, res intent.Result, proposed *llm.ToolCallProposal) *ToolCall {
	_, span := routerTracer.Start(ctx, "routing.Router.Route",
		trace.WithAttributes(
			attribute.String("category", string(res.Category)),
			attribute.Bool("has_proposal", proposed != nil),
		),
	)
	defer span.End()

	normalized := intent.Normalize(utterance)

	// At most one override fires; first in declaration order wins.
	for _, rule := range *r.rules.Load() {
		if !rule.matches(normalized) {
			continue
		}
		call := &ToolCall{
			Name:      rule.tool,
			Arguments: overrideArgs(rule.tool, utterance),
			Origin:    OriginOverride,
			Forced:    true,
			Reason:    rule.reason,
		}
		displaced := ""
		if proposed != nil {
			displaced = proposed.Name
		}
		r.logger.Info("tool override fired",
			slog.String("tool", rule.tool),
			slog.String("displaced", displaced),
			slog.String("reason", rule.reason),
		)
		routerForcedTotal.WithLabelValues(rule.tool).Inc()
		span.SetAttributes(
			attribute.Bool("forced", true),
			attribute.String("tool", rule.tool),
			attribute.String("displaced", displaced),
		)
		return call
	}

	// No override: the model's proposal stands.
	if proposed != nil {
		routerPassthroughTotal.Inc()
		span.SetAttributes(
			attribute.Bool("forced", false),
			attribute.String("tool", proposed.Name),
		)
		return &ToolCall{
			Name:      proposed.Name,
			Arguments: proposed.ArgumentMap(),
			Origin:    OriginModel,
		}
	}

	// No proposal: some categories map directly to a local tool.
	if tool, ok := intentDefault(res.Category); ok {
		span.SetAttributes(
			attribute.Bool("forced", false),
			attribute.String("tool", tool),
		)
		return &ToolCall{
			Name:      tool,
			Arguments: overrideArgs(tool, utterance),
			Origin:    OriginIntent,
		}
	}

	span.SetAttributes(attribute.Bool("routed", false))
	return nil
}

func (co *compiledOverride) matches(normalized string) bool {
	if co.extRegex != nil && !co.extRegex.MatchString(normalized) {
		return false
	}
	for _, sub := range co.substrings {
		if strings.Contains(normalized, sub) {
			return true
		}
	}
	for _, re := range co.regexes {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// intentDefault maps unambiguous categories to tools when the model offered
// no proposal. Conversational and research categories intentionally have no
// mapping.
func intentDefault(cat intent.Category) (string, bool) {
	switch cat {
	case intent.CategoryLocationQuery:
		return ToolPrintWorkingDir, true
	case intent.CategoryDirectoryListing:
		return ToolListDirectory, true
	case intent.CategoryFileRead:
		return ToolReadFile, true
	case intent.CategoryFileSearch:
		return ToolSearchFiles, true
	case intent.CategoryDataAnalysis:
		return ToolLoadDataset, true
	}
	return "", false
}

// overrideArgs builds arguments for a forced or intent-routed tool from the
// utterance itself.
func overrideArgs(tool, utterance string) map[string]any {
	args := map[string]any{"query": utterance}
	switch tool {
	case ToolLoadDataset, ToolReadFile:
		if m := fileArgPattern.FindString(utterance); m != "" {
			args["path"] = m
		}
	case ToolChangeDirectory:
		if target := navigationTarget(utterance); target != "" {
			args["path"] = target
		}
	}
	return args
}

// navPrefix strips the navigation phrasing off a directory-change utterance.
var navPrefix = regexp.MustCompile(`(?i)^(go to|cd to|cd|change directory to|navigate to|switch to)\s+`)

// navigationTarget extracts the destination from navigation phrasing.
func navigationTarget(utterance string) string {
	trimmed := strings.TrimSpace(utterance)
	if loc := navPrefix.FindString(trimmed); loc != "" {
		target := strings.TrimSpace(trimmed[len(loc):])
		target = strings.Trim(target, `"'`)
		// Drop a trailing "folder"/"directory" qualifier: "the projects folder".
		target = strings.TrimPrefix(target, "the ")
		for _, suffix := range []string{" folder", " directory", " dir"} {
			target = strings.TrimSuffix(target, suffix)
		}
		return strings.TrimSpace(target)
	}
	return ""
}
