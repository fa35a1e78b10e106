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
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Heuristic Rules
// =============================================================================

//go:embed intent_rules.yaml
var defaultRulesYAML []byte

// regexPrefix marks a pattern as a regular expression rather than a substring.
const regexPrefix = "re:"

// ruleFile is the YAML document shape.
type ruleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one heuristic rule as declared in YAML.
type RuleConfig struct {
	// Category is the category the rule assigns when it fires.
	Category string `yaml:"category"`

	// Weight is the confidence carried by a match, in (0,1].
	Weight float64 `yaml:"weight"`

	// Patterns are substring or "re:"-prefixed regex patterns. Any match fires.
	Patterns []string `yaml:"patterns"`

	// Extensions lists bare file extensions (no dot). When set, the rule
	// fires only if a pattern matches AND the utterance mentions ".<ext>".
	Extensions []string `yaml:"extensions"`
}

// compiledRule is a RuleConfig with regexes compiled and extensions expanded.
type compiledRule struct {
	category   Category
	weight     float64
	substrings []string
	regexes    []*regexp.Regexp
	extRegex   *regexp.Regexp // nil when the rule declares no extensions
}

// RuleSet is an ordered, compiled heuristic layer.
//
// Description:
//
//	Rules are evaluated in declaration order; the first match wins. The set
//	is immutable after compilation and safe for concurrent use.
type RuleSet struct {
	rules []compiledRule
}

// DefaultRules compiles the embedded rule file. Panics only on a corrupt
// embedded asset, which is a build defect, not a runtime condition.
func DefaultRules() *RuleSet {
	rs, err := CompileRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded intent_rules.yaml is invalid: %v", err))
	}
	return rs
}

// CompileRules parses and compiles a YAML rule document.
//
// Inputs:
//
//	raw - YAML bytes in the intent_rules.yaml shape.
//
// Outputs:
//
//	*RuleSet - The compiled set, preserving declaration order.
//	error    - Non-nil on YAML or regex errors, naming the offending rule.
func CompileRules(raw []byte) (*RuleSet, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse intent rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("intent rules: no rules declared")
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(doc.Rules))}
	for i, rc := range doc.Rules {
		if rc.Category == "" {
			return nil, fmt.Errorf("intent rule %d: missing category", i)
		}
		if rc.Weight <= 0 || rc.Weight > 1 {
			return nil, fmt.Errorf("intent rule %d (%s): weight %v out of (0,1]", i, rc.Category, rc.Weight)
		}
		cr := compiledRule{category: Category(rc.Category), weight: rc.Weight}
		for _, p := range rc.Patterns {
			if strings.HasPrefix(p, regexPrefix) {
				re, err := regexp.Compile(strings.TrimPrefix(p, regexPrefix))
				if err != nil {
					return nil, fmt.Errorf("intent rule %d (%s): bad regex %q: %w", i, rc.Category, p, err)
				}
				cr.regexes = append(cr.regexes, re)
			} else {
				cr.substrings = append(cr.substrings, strings.ToLower(p))
			}
		}
		if len(rc.Extensions) > 0 {
			quoted := make([]string, len(rc.Extensions))
			for j, ext := range rc.Extensions {
				quoted[j] = regexp.QuoteMeta(ext)
			}
			re, err := regexp.Compile(`\.(` + strings.Join(quoted, "|") + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("intent rule %d (%s): bad extensions: %w", i, rc.Category, err)
			}
			cr.extRegex = re
		}
		if len(cr.substrings) == 0 && len(cr.regexes) == 0 {
			return nil, fmt.Errorf("intent rule %d (%s): no patterns", i, rc.Category)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Match evaluates the set against a normalized utterance.
//
// Outputs:
//
//	Category - The first matching rule's category.
//	float64  - That rule's weight.
//	bool     - False when no rule matched.
func (rs *RuleSet) Match(normalized string) (Category, float64, bool) {
	for _, r := range rs.rules {
		if r.matches(normalized) {
			return r.category, r.weight, true
		}
	}
	return CategoryUnknown, 0, false
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

func (r *compiledRule) matches(normalized string) bool {
	if r.extRegex != nil && !r.extRegex.MatchString(normalized) {
		return false
	}
	for _, sub := range r.substrings {
		if strings.Contains(normalized, sub) {
			return true
		}
	}
	for _, re := range r.regexes {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}
