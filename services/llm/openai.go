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
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1/chat/completions"
	openaiDefaultModel   = "gpt-4o-mini"
)

// --- Wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_completion_tokens,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// --- Client ---

// OpenAIClient talks to the Chat Completions REST API directly, no SDK.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	logger     *slog.Logger
}

// NewOpenAIClient creates a client with explicit configuration.
//
// # Inputs
//
//   - apiKey: OpenAI API key. Must not be empty.
//   - model: Model identifier. Empty uses the package default.
//   - baseURL: Endpoint override for testing. Empty uses the production URL.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is missing (OPENAI_API_KEY)")
	}
	if model == "" {
		model = openaiDefaultModel
	}
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		logger:     slog.Default(),
	}, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return "openai" }

// Chat implements Client against the Chat Completions API.
func (o *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	payload := openaiRequest{Model: o.model}
	if req.Temperature >= 0 {
		t := req.Temperature
		payload.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		payload.MaxTokens = &mt
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}
	for _, td := range req.Tools {
		payload.Tools = append(payload.Tools, openaiTool{
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
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, networkError("openai", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("openai", fmt.Errorf("reading response (status %d): %w", resp.StatusCode, err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("openai", resp.StatusCode, respBody)
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, &ProviderError{
			Provider: "openai",
			Kind:     KindUnavailable,
			Detail:   fmt.Sprintf("%s: %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message)),
		}
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response contained no choices")
	}

	choice := apiResp.Choices[0]
	result := &ChatResult{
		Content: choice.Message.Content,
		Usage:   TokenUsage{Prompt: apiResp.Usage.PromptTokens, Completion: apiResp.Usage.CompletionTokens},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCallProposal{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}
