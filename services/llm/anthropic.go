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
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel   = "claude-haiku-4-5-20251001"
)

// --- Wire types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema ToolParameters `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Error   *anthropicAPIErr `json:"error,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicAPIErr struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client ---

// AnthropicClient talks to the Anthropic Messages API.
//
// Thread Safety: Safe for concurrent use.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	logger     *slog.Logger
}

// NewAnthropicClient creates a client with explicit configuration.
//
// # Inputs
//
//   - apiKey: Anthropic API key. Must not be empty.
//   - model: Model identifier. Empty uses the package default.
//   - baseURL: Endpoint override for testing. Empty uses the production URL.
//
// # Outputs
//
//   - *AnthropicClient: Ready client. Never nil.
//   - error: Non-nil when the API key is missing.
func NewAnthropicClient(apiKey, model, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is missing (ANTHROPIC_API_KEY)")
	}
	if model == "" {
		model = anthropicDefaultModel
	}
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		logger:     slog.Default(),
	}, nil
}

// Name implements Client.
func (a *AnthropicClient) Name() string { return "anthropic" }

// Chat implements Client against the Messages API.
//
// System-role messages are lifted into the top-level system field; tool
// proposals come back as tool_use content blocks.
func (a *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	payload := anthropicRequest{
		Model:     a.model,
		MaxTokens: req.MaxTokens,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = 4096
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		payload.Temperature = &t
	}
	for _, m := range req.Messages {
		if strings.EqualFold(m.Role, "system") {
			payload.System = m.Content
			continue
		}
		payload.Messages = append(payload.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	for _, td := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.Parameters,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError("anthropic", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("anthropic", fmt.Errorf("reading response (status %d): %w", resp.StatusCode, err))
	}

	a.logger.Debug("anthropic response",
		slog.Int("status", resp.StatusCode),
		slog.Int("body_length", len(respBody)),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("anthropic", resp.StatusCode, respBody)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, &ProviderError{
			Provider: "anthropic",
			Kind:     KindUnavailable,
			Detail:   fmt.Sprintf("%s: %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message)),
		}
	}

	result := &ChatResult{
		Usage: TokenUsage{Prompt: apiResp.Usage.InputTokens, Completion: apiResp.Usage.OutputTokens},
	}
	var textParts []string
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallProposal{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: input,
			})
		}
	}
	result.Content = strings.Join(textParts, "")

	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("anthropic: response contained no text or tool_use blocks")
	}
	return result, nil
}
