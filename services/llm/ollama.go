// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// --- Wire types (/api/chat, stream disabled) ---

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"` // same shape as OpenAI
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// --- Client ---

// OllamaClient talks to a local Ollama server. Used for the cheap
// classification role so routine turns never leave the machine.
//
// Thread Safety: Safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	model      string
	baseURL    string
	logger     *slog.Logger
}

// NewOllamaClient creates a client for a local Ollama server.
//
// # Inputs
//
//   - model: Model identifier (e.g. "granite4:micro-h"). Must not be empty.
//   - baseURL: Server URL. Empty uses http://localhost:11434.
func NewOllamaClient(model, baseURL string) (*OllamaClient, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		model:      model,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     slog.Default(),
	}, nil
}

// Name implements Client.
func (o *OllamaClient) Name() string { return "ollama" }

// Chat implements Client against /api/chat with streaming disabled.
func (o *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	payload := ollamaChatRequest{Model: o.model, Stream: false}
	if req.Temperature >= 0 {
		payload.Options = map[string]any{"temperature": req.Temperature}
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	for _, td := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{
			Type: "function",
			Function: openaiFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError("ollama", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("ollama", fmt.Errorf("reading response (status %d): %w", resp.StatusCode, err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp.StatusCode, respBody)
	}

	var apiResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	if apiResp.Error != "" {
		return nil, &ProviderError{
			Provider: "ollama",
			Kind:     KindUnavailable,
			Detail:   SafeLogString(apiResp.Error),
		}
	}

	result := &ChatResult{
		Content: apiResp.Message.Content,
		Usage:   TokenUsage{Prompt: apiResp.PromptEvalCount, Completion: apiResp.EvalCount},
	}
	for i, tc := range apiResp.Message.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		// Ollama does not assign call ids; synthesize stable ones.
		result.ToolCalls = append(result.ToolCalls, ToolCallProposal{
			ID:        fmt.Sprintf("ollama-call-%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}
