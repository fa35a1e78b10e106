// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/quartermaster/services/agent/datatypes"
	"github.com/AleutianAI/quartermaster/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, client *mockClient) (*gin.Engine, *Pipeline) {
	t.Helper()
	p, _ := newTestPipeline(t, client)
	handlers := NewHandlers(p, p.gov, p.gw, nil)

	r := gin.New()
	v1 := r.Group("/v1")
	RegisterRoutes(v1, handlers)
	return r, p
}

func postTurn(t *testing.T, r *gin.Engine, req datatypes.TurnRequest) *httptest.ResponseRecorder {
	t.Helper()
	jsonBody, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/v1/agent/turn", bytes.NewBuffer(jsonBody))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	return w
}

func TestHandleTurn_Success(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{
		chatFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResult, error) {
			return &llm.ChatResult{Content: "hello back"}, nil
		},
	})

	w := postTurn(t, r, datatypes.TurnRequest{Message: "say hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp datatypes.TurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SessionID == "" {
		t.Error("expected assigned session id")
	}
	if resp.Reply == "" {
		t.Error("expected non-empty reply")
	}
}

func TestHandleTurn_EmptyMessage(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{})

	w := postTurn(t, r, datatypes.TurnRequest{Message: "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Code != "INVALID_ARGUMENT" {
		t.Errorf("Code = %q, want INVALID_ARGUMENT", errResp.Code)
	}
}

func TestHandleTurn_MalformedJSON(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{})

	httpReq := httptest.NewRequest("POST", "/v1/agent/turn", strings.NewReader("{not json"))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleTurn_ConcurrencyRejected(t *testing.T) {
	r, p := setupTestRouter(t, &mockClient{})

	// Saturate the per-user ceiling so the handler turn is rejected.
	for i := 0; i < 4; i++ {
		slot, err := p.gov.Acquire("bulk")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		defer slot.Release()
	}

	w := postTurn(t, r, datatypes.TurnRequest{UserID: "bulk", Message: "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Code != "CONCURRENCY_REJECTED" {
		t.Errorf("Code = %q, want CONCURRENCY_REJECTED", errResp.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{})

	req := httptest.NewRequest("GET", "/v1/agent/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleReady(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{})

	req := httptest.NewRequest("GET", "/v1/agent/ready", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %v, want ready", body["status"])
	}
}

func TestHandleTurn_RequestIDEchoed(t *testing.T) {
	r, _ := setupTestRouter(t, &mockClient{})

	jsonBody, _ := json.Marshal(datatypes.TurnRequest{Message: "where am i"})
	httpReq := httptest.NewRequest("POST", "/v1/agent/turn", bytes.NewBuffer(jsonBody))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}
