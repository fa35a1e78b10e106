// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire and session types shared by the agent
// pipeline, the LLM clients, and the HTTP surface. It has no dependencies
// on other quartermaster packages so anything may import it.
package datatypes

import "time"

// Message is a single conversation message.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// At is when the message was produced. Zero for synthetic messages
	// (system prompts, plan scaffolding).
	At time.Time `json:"at,omitempty"`
}

// TurnRequest is one user turn entering the pipeline.
type TurnRequest struct {
	// SessionID identifies the conversation. Empty starts a new session.
	SessionID string `json:"session_id"`

	// UserID identifies the caller for per-user admission control.
	// Defaults to SessionID when empty.
	UserID string `json:"user_id,omitempty"`

	// Message is the raw user utterance.
	Message string `json:"message"`
}

// StepOutcome reports one workflow step in a TurnResponse.
type StepOutcome struct {
	// Index is the zero-based step position in the plan.
	Index int `json:"index"`

	// Description is the step's action in human terms.
	Description string `json:"description"`

	// Output is the step's rendered result. Empty when the step failed
	// or never ran.
	Output string `json:"output,omitempty"`

	// Error is the normalized failure message for a failed step.
	Error string `json:"error,omitempty"`

	// Ran is false for steps skipped after an earlier failure.
	Ran bool `json:"ran"`
}

// TurnResponse is the pipeline's answer to one turn.
type TurnResponse struct {
	// SessionID echoes (or assigns) the conversation id.
	SessionID string `json:"session_id"`

	// Reply is the consolidated response text.
	Reply string `json:"reply"`

	// Intent is the classified category for the turn, for clients that
	// want to display or log it.
	Intent string `json:"intent,omitempty"`

	// Forced is true when a deterministic router rule overrode the
	// model's tool proposal this turn.
	Forced bool `json:"forced,omitempty"`

	// Steps is present for multi-step turns, including partial results
	// when a step failed.
	Steps []StepOutcome `json:"steps,omitempty"`

	// WorkingDir is the session working directory after the turn.
	WorkingDir string `json:"working_dir,omitempty"`
}
