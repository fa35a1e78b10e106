// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides provider clients for language-model backends
// (Anthropic, OpenAI, Ollama) behind a common Client interface.
//
// Clients speak raw HTTP wire formats, not provider SDKs, and translate
// every failure into a *ProviderError with an ErrorKind, so the gateway
// can decide retry/circuit behavior without inspecting transport detail.
//
// Thread Safety:
//
//	All clients in this package are safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// defaultHTTPTimeout bounds a single provider round trip. The gateway layers
// its own per-call deadlines on top via context.
const defaultHTTPTimeout = 60 * time.Second

// Client is the provider-agnostic chat interface used by the gateway.
type Client interface {
	// Chat sends a conversation and returns the assistant's answer, which
	// may be text, tool-call proposals, or both.
	//
	// Inputs:
	//   - ctx: Context for cancellation and timeout.
	//   - req: Messages, optional tool schema, sampling parameters.
	//
	// Outputs:
	//   - *ChatResult: Text and/or tool proposals plus token usage.
	//   - error: *ProviderError on provider failure, plain error otherwise.
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)

	// Name returns the backend identifier ("anthropic", "openai", "ollama").
	Name() string
}

// ChatRequest carries one provider call.
type ChatRequest struct {
	// Messages is the ordered conversation history. A leading "system"
	// role message becomes the system prompt where the provider wants
	// it out of band.
	Messages []Message

	// Tools is the optional tool/function schema offered to the model.
	Tools []ToolDef

	// Temperature controls randomness. Negative omits the field and uses
	// the provider default; 0 is an explicit most-deterministic setting.
	Temperature float64

	// MaxTokens limits the response length. Zero uses the client default.
	MaxTokens int
}

// Message is one conversation message in provider-neutral form.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content.
	Content string
}

// TokenUsage reports provider-billed token counts for one call.
type TokenUsage struct {
	Prompt     int
	Completion int
}

// ChatResult is the provider-neutral response to a Chat call.
type ChatResult struct {
	// Content is the generated text. May be empty when the model chose
	// to call a tool instead.
	Content string

	// ToolCalls holds structured tool-call proposals, in model order.
	ToolCalls []ToolCallProposal

	// Usage is the token accounting, zero-valued when the provider does
	// not report it.
	Usage TokenUsage
}

// ToolCallProposal is a model-proposed tool invocation.
//
// The router treats these as untrusted suggestions: a deterministic rule
// may override them before execution.
type ToolCallProposal struct {
	// ID is the provider's call id, synthetic when absent.
	ID string

	// Name is the proposed tool name.
	Name string

	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage
}

// ArgumentMap decodes the proposal arguments into a map. Malformed or empty
// arguments yield an empty map rather than an error; the executing tool
// validates required fields itself.
func (p ToolCallProposal) ArgumentMap() map[string]any {
	out := map[string]any{}
	if len(p.Arguments) == 0 {
		return out
	}
	_ = json.Unmarshal(p.Arguments, &out)
	return out
}
