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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// =============================================================================
// Anthropic
// =============================================================================

func TestAnthropicChatTextAndToolUse(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key-1" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Loading the file. "},
				{"type": "tool_use", "id": "call_1", "name": "read_file", "input": map[string]any{"path": "notes.txt"}},
			},
			"usage": map[string]int{"input_tokens": 12, "output_tokens": 7},
		})
	}))
	defer srv.Close()

	c, err := NewAnthropicClient("key-1", "claude-test", srv.URL)
	if err != nil {
		t.Fatalf("NewAnthropicClient: %v", err)
	}

	res, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "read my notes"},
		},
		Tools:       []ToolDef{{Name: "read_file", Parameters: ObjectSchema(nil)}},
		Temperature: 0,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// System role lifts into the top-level field, not the message list.
	if gotReq.System != "be terse" {
		t.Errorf("System = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want single user message", gotReq.Messages)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0 {
		t.Error("explicit zero temperature should be sent")
	}

	if res.Content != "Loading the file. " {
		t.Errorf("Content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "read_file" {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	if args := res.ToolCalls[0].ArgumentMap(); args["path"] != "notes.txt" {
		t.Errorf("args = %v", args)
	}
	if res.Usage.Prompt != 12 || res.Usage.Completion != 7 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestAnthropicChatStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusBadRequest, KindMalformed},
		{http.StatusServiceUnavailable, KindUnavailable},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c, _ := NewAnthropicClient("key", "", srv.URL)
		_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if KindOf(err) != tc.want {
			t.Errorf("status %d: kind = %v, want %v", tc.status, KindOf(err), tc.want)
		}
	}
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicClient("", "", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestAnthropicEmptyResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	}))
	defer srv.Close()

	c, _ := NewAnthropicClient("key", "", srv.URL)
	if _, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIChatToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-2" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_9",
						"type": "function",
						"function": map[string]any{
							"name":      "run_shell",
							"arguments": `{"command":"ls"}`,
						},
					}},
				},
			}},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient("key-2", "gpt-test", srv.URL)
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	res, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
		Tools:    []ToolDef{{Name: "run_shell", Parameters: ObjectSchema(nil)}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(res.ToolCalls))
	}
	call := res.ToolCalls[0]
	if call.ID != "call_9" || call.Name != "run_shell" {
		t.Errorf("call = %+v", call)
	}
	if args := call.ArgumentMap(); args["command"] != "ls" {
		t.Errorf("args = %v", args)
	}
}

func TestOpenAINoChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c, _ := NewOpenAIClient("key", "", srv.URL)
	if _, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaChatSyntheticCallIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		var body ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Stream {
			t.Error("streaming must be disabled")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "list_directory", "arguments": map[string]any{"path": "."}}},
					{"function": map[string]any{"name": "read_file", "arguments": map[string]any{"path": "a.txt"}}},
				},
			},
			"prompt_eval_count": 8,
			"eval_count":        3,
		})
	}))
	defer srv.Close()

	c, err := NewOllamaClient("llama-test", srv.URL)
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}

	res, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "what files are here"}},
		Tools:    []ToolDef{{Name: "list_directory", Parameters: ObjectSchema(nil)}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID == res.ToolCalls[1].ID {
		t.Error("synthetic call ids must differ")
	}
	if res.Usage.Prompt != 8 || res.Usage.Completion != 3 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestOllamaErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "model not found"})
	}))
	defer srv.Close()

	c, _ := NewOllamaClient("missing", srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindUnavailable {
		t.Errorf("kind = %v, want KindUnavailable", KindOf(err))
	}
}

func TestNetworkFailureClassifiesAsNetwork(t *testing.T) {
	// A closed server produces a connection error, not an HTTP status.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := NewOllamaClient("m", url)
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("kind = %v, want KindNetwork", KindOf(err))
	}
}
