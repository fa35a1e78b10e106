// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow plans and executes multi-step requests: an ordered list
// of steps, run sequentially, halting on the first failure with partial
// results preserved.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/agent/routing"
)

// maxPlanSteps bounds plan size; a model that emits more is hallucinating
// structure, not planning.
const maxPlanSteps = 20

// Step is one unit of work in a plan.
type Step struct {
	// Description says what the step does, for rendering.
	Description string `json:"description"`

	// Tool is the canonical tool name. Empty when Script is set.
	Tool string `json:"tool,omitempty"`

	// Args are the tool arguments.
	Args map[string]any `json:"args,omitempty"`

	// Script is an sh snippet evaluated in an isolated scratch directory.
	// Mutually exclusive with Tool.
	Script string `json:"script,omitempty"`

	// Inputs lists indices of earlier steps whose outputs feed this step.
	// Every index must be strictly less than this step's own index.
	Inputs []int `json:"inputs,omitempty"`
}

// Plan is an ordered, validated sequence of steps.
type Plan struct {
	// Goal restates the user's request.
	Goal string `json:"goal"`

	// Steps run in order.
	Steps []Step `json:"steps"`
}

// ToolCall converts a tool step to the routed call form.
func (s *Step) ToolCall() *routing.ToolCall {
	args := s.Args
	if args == nil {
		args = map[string]any{}
	}
	return &routing.ToolCall{Name: s.Tool, Arguments: args, Origin: routing.OriginModel}
}

// ParsePlan extracts and validates a plan from model output.
//
// # Description
//
// Models wrap JSON in prose and code fences; the parser locates the
// outermost JSON object before decoding. Validation enforces the ordering
// invariant: step i may reference only outputs of steps 0..i-1.
//
// # Outputs
//
//   - *Plan: The validated plan.
//   - error: An invalid-argument fault naming the defect.
func ParsePlan(content string) (*Plan, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fault.New(fault.KindInvalidArgument, "no plan object found in model output")
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, "malformed plan", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural invariants of a plan.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fault.New(fault.KindInvalidArgument, "plan has no steps")
	}
	if len(p.Steps) > maxPlanSteps {
		return fault.Newf(fault.KindInvalidArgument, "plan has %d steps, limit is %d", len(p.Steps), maxPlanSteps)
	}
	for i, s := range p.Steps {
		if s.Tool == "" && strings.TrimSpace(s.Script) == "" {
			return fault.Newf(fault.KindInvalidArgument, "step %d has neither tool nor script", i)
		}
		if s.Tool != "" && strings.TrimSpace(s.Script) != "" {
			return fault.Newf(fault.KindInvalidArgument, "step %d has both tool and script", i)
		}
		for _, in := range s.Inputs {
			if in < 0 || in >= i {
				return fault.Newf(fault.KindInvalidArgument, "step %d references step %d, may only reference earlier steps", i, in)
			}
		}
	}
	return nil
}

// extractJSON returns the outermost balanced JSON object in s, tolerating
// fences and surrounding prose.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// PlanPrompt is the instruction given to the model when a multi-step request
// needs decomposition.
func PlanPrompt(utterance string) string {
	return fmt.Sprintf(`Decompose the request into a JSON plan. Respond with only a JSON object of this shape:
{"goal": "...", "steps": [{"description": "...", "tool": "run_shell", "args": {"command": "..."}, "inputs": []}]}

Available tools: print_working_directory, list_directory, read_file, search_files, change_directory, run_shell, load_dataset.
A step may instead carry "script" (an sh snippet) in place of "tool"/"args".
"inputs" lists indices of earlier steps whose outputs this step needs.

Request: %s`, utterance)
}
