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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/quartermaster/services/agent/datatypes"
	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/agent/gateway"
	"github.com/AleutianAI/quartermaster/services/agent/governor"
	"github.com/AleutianAI/quartermaster/services/agent/intent"
	"github.com/AleutianAI/quartermaster/services/agent/localexec"
	"github.com/AleutianAI/quartermaster/services/agent/routing"
	"github.com/AleutianAI/quartermaster/services/agent/session"
	"github.com/AleutianAI/quartermaster/services/agent/workflow"
	"github.com/AleutianAI/quartermaster/services/llm"
)

// mockClient fakes a provider backend for pipeline tests.
type mockClient struct {
	mu       sync.Mutex
	calls    int
	chatFunc func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
}

func (m *mockClient) Name() string { return "mock" }

func (m *mockClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.chatFunc == nil {
		return &llm.ChatResult{Content: "ok"}, nil
	}
	return m.chatFunc(ctx, req)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// newTestPipeline builds a pipeline over a mock backend. The classifier has
// no model tier, so anything the rules miss fails open to conversational.
func newTestPipeline(t *testing.T, client *mockClient) (*Pipeline, *session.Manager) {
	t.Helper()

	gov := governor.New(8, 4, nil)
	sessions := session.NewManager(nil, time.Hour, nil)
	t.Cleanup(sessions.Close)

	classifier := intent.NewClassifier(intent.DefaultRules(), intent.NewCache(0, 0), nil, 0, nil)

	router, err := routing.NewRouter(nil, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	engine := localexec.NewEngine(5*time.Second, localexec.DefaultFuzzyThreshold, nil)
	executor := workflow.NewExecutor(engine, nil)

	gw := gateway.New([]llm.Client{client}, gateway.Options{
		MaxTries:    1,
		RequestRate: rate.Inf,
	}, nil)

	return NewPipeline(gov, sessions, classifier, router, engine, executor, gw, 0, nil), sessions
}

func turn(t *testing.T, p *Pipeline, sessionID, msg string) *datatypes.TurnResponse {
	t.Helper()
	resp, err := p.Turn(context.Background(), datatypes.TurnRequest{
		SessionID: sessionID,
		Message:   msg,
	})
	if err != nil {
		t.Fatalf("Turn(%q): %v", msg, err)
	}
	return resp
}

func TestTurnEmptyMessageRejected(t *testing.T) {
	p, _ := newTestPipeline(t, &mockClient{})
	_, err := p.Turn(context.Background(), datatypes.TurnRequest{Message: "   "})
	if fault.KindOf(err) != fault.KindInvalidArgument {
		t.Fatalf("err = %v, want KindInvalidArgument", err)
	}
}

func TestTurnDeterministicRouteSkipsModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember the milk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &mockClient{}
	p, _ := newTestPipeline(t, client)

	// Navigation override forces change_directory, no provider involved.
	resp := turn(t, p, "", "cd "+dir)
	if !resp.Forced {
		t.Error("navigation turn should be forced")
	}
	if resp.WorkingDir != dir {
		t.Errorf("WorkingDir = %q, want %q", resp.WorkingDir, dir)
	}
	if resp.SessionID == "" {
		t.Fatal("expected assigned session id")
	}

	// Second turn in the same session reads relative to the new cwd via
	// the file_read intent default.
	resp2 := turn(t, p, resp.SessionID, "read notes.txt")
	if !strings.Contains(resp2.Reply, "remember the milk") {
		t.Errorf("Reply = %q, want file contents", resp2.Reply)
	}
	if resp2.Intent != string(intent.CategoryFileRead) {
		t.Errorf("Intent = %q, want file_read", resp2.Intent)
	}

	if client.callCount() != 0 {
		t.Errorf("model called %d times, want 0", client.callCount())
	}
}

func TestTurnConversationalGoesToModel(t *testing.T) {
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			if len(req.Tools) != 0 {
				return nil, nil
			}
			return &llm.ChatResult{Content: "Happy to help."}, nil
		},
	}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "tell me a joke about boats")
	if resp.Reply != "Happy to help." {
		t.Errorf("Reply = %q", resp.Reply)
	}
	if resp.Intent != string(intent.CategoryConversational) {
		t.Errorf("Intent = %q, want conversational", resp.Intent)
	}
	if resp.Forced {
		t.Error("conversational turn must never be forced")
	}
	if client.callCount() != 1 {
		t.Errorf("model called %d times, want 1", client.callCount())
	}
}

func TestTurnModelToolProposalExecuted(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"command": "echo proposal ran"})
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			if len(req.Tools) == 0 {
				return &llm.ChatResult{Content: "no tools offered"}, nil
			}
			return &llm.ChatResult{
				ToolCalls: []llm.ToolCallProposal{{ID: "1", Name: routing.ToolRunShell, Arguments: args}},
			}, nil
		},
	}
	p, _ := newTestPipeline(t, client)

	// "execute ..." classifies as shell_execution, which has no intent
	// default, so the model proposes and the proposal passes through.
	resp := turn(t, p, "", "execute the usual check")
	if !strings.Contains(resp.Reply, "proposal ran") {
		t.Errorf("Reply = %q, want shell output", resp.Reply)
	}
	if resp.Forced {
		t.Error("passthrough proposal must not be marked forced")
	}
}

func TestTurnOverrideDisplacesProposal(t *testing.T) {
	dir := t.TempDir()
	csv := "region,revenue\nnorth,120\nsouth,80\n"
	if err := os.WriteFile(filepath.Join(dir, "sales.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &mockClient{}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "cd "+dir)

	// Analysis verb plus .csv fires the load_dataset override before any
	// model call happens.
	resp2 := turn(t, p, resp.SessionID, "analyze sales.csv")
	if !resp2.Forced {
		t.Error("dataset turn should be forced by override")
	}
	if !strings.Contains(resp2.Reply, "2 rows") {
		t.Errorf("Reply = %q, want dataset summary", resp2.Reply)
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times, want 0", client.callCount())
	}
}

func TestTurnWorkflowPlanExecutes(t *testing.T) {
	plan := `{"goal":"count files","steps":[` +
		`{"description":"emit a number","tool":"run_shell","args":{"command":"echo 40320000"}},` +
		`{"description":"say done","tool":"run_shell","args":{"command":"echo done"},"inputs":[0]}]}`
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			return &llm.ChatResult{Content: plan}, nil
		},
	}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "emit the number and then say done")
	if len(resp.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(resp.Steps))
	}
	if !resp.Steps[0].Ran || !resp.Steps[1].Ran {
		t.Error("all steps should have run")
	}
	// Numeric outputs render with grouping.
	if !strings.Contains(resp.Reply, "40,320,000") {
		t.Errorf("Reply = %q, want grouped number", resp.Reply)
	}
	if !strings.Contains(resp.Reply, "done") {
		t.Errorf("Reply = %q, want second step output", resp.Reply)
	}
}

func TestTurnWorkflowHaltsOnFailure(t *testing.T) {
	plan := `{"goal":"fail fast","steps":[` +
		`{"description":"works","tool":"run_shell","args":{"command":"echo first"}},` +
		`{"description":"breaks","tool":"run_shell","args":{"command":"exit 3"}},` +
		`{"description":"never runs","tool":"run_shell","args":{"command":"echo third"}}]}`
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			return &llm.ChatResult{Content: plan}, nil
		},
	}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "do the first thing, then the second, then the third")
	if len(resp.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(resp.Steps))
	}
	if !resp.Steps[0].Ran {
		t.Error("step 0 should have run")
	}
	if resp.Steps[1].Error == "" {
		t.Error("step 1 should carry an error")
	}
	if resp.Steps[2].Ran {
		t.Error("step 2 must not run after a failure")
	}
	if !strings.Contains(resp.Reply, "first") {
		t.Errorf("Reply = %q, want partial output preserved", resp.Reply)
	}
}

func TestTurnBadPlanFallsBackToSingleStep(t *testing.T) {
	var calls int
	client := &mockClient{}
	client.chatFunc = func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		calls++
		if calls == 1 {
			return &llm.ChatResult{Content: "I cannot produce a plan, sorry."}, nil
		}
		return &llm.ChatResult{Content: "single-step answer"}, nil
	}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "think about it and then tell me something")
	if resp.Reply != "single-step answer" {
		t.Errorf("Reply = %q, want fallback answer", resp.Reply)
	}
	if len(resp.Steps) != 0 {
		t.Errorf("Steps = %d, want none", len(resp.Steps))
	}
}

func TestTurnProviderFailureBecomesReply(t *testing.T) {
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			return nil, &llm.ProviderError{Provider: "mock", Kind: llm.KindUnavailable, Status: 503, Detail: "down"}
		},
	}
	p, _ := newTestPipeline(t, client)

	resp := turn(t, p, "", "chat with me about nothing in particular")
	if resp.Reply == "" {
		t.Fatal("expected a user-facing reply despite provider failure")
	}
	if strings.Contains(resp.Reply, "503") {
		t.Errorf("Reply = %q leaks provider detail", resp.Reply)
	}
}

func TestTurnConcurrencyRejection(t *testing.T) {
	p, _ := newTestPipeline(t, &mockClient{})

	// Saturate the per-user ceiling for one user.
	var slots []interface{ Release() }
	for i := 0; i < 4; i++ {
		s, err := p.gov.Acquire("crowd")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		slots = append(slots, s)
	}
	defer func() {
		for _, s := range slots {
			s.Release()
		}
	}()

	_, err := p.Turn(context.Background(), datatypes.TurnRequest{
		UserID:  "crowd",
		Message: "hello",
	})
	if fault.KindOf(err) != fault.KindConcurrencyRejected {
		t.Fatalf("err = %v, want KindConcurrencyRejected", err)
	}
}

func TestTurnSessionHistoryAccumulates(t *testing.T) {
	client := &mockClient{
		chatFunc: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
			return &llm.ChatResult{Content: "noted"}, nil
		},
	}
	p, sessions := newTestPipeline(t, client)

	resp := turn(t, p, "", "tell me something nice")
	turn(t, p, resp.SessionID, "tell me more")

	s := sessions.Peek(resp.SessionID)
	if s == nil {
		t.Fatal("session not live")
	}
	if len(s.Turns) != 4 {
		t.Errorf("Turns = %d, want 4 (two user, two assistant)", len(s.Turns))
	}
}

func TestTurnDeadlineBoundsHungProvider(t *testing.T) {
	// A backend that never answers must not hold the turn, or its
	// governor slot, past the configured deadline.
	client := &mockClient{
		chatFunc: func(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	gov := governor.New(8, 4, nil)
	sessions := session.NewManager(nil, time.Hour, nil)
	t.Cleanup(sessions.Close)
	classifier := intent.NewClassifier(intent.DefaultRules(), intent.NewCache(0, 0), nil, 0, nil)
	router, err := routing.NewRouter(nil, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	engine := localexec.NewEngine(5*time.Second, localexec.DefaultFuzzyThreshold, nil)
	executor := workflow.NewExecutor(engine, nil)
	gw := gateway.New([]llm.Client{client}, gateway.Options{
		MaxTries:    1,
		RequestRate: rate.Inf,
	}, nil)
	p := NewPipeline(gov, sessions, classifier, router, engine, executor, gw, 100*time.Millisecond, nil)

	start := time.Now()
	resp, err := p.Turn(context.Background(), datatypes.TurnRequest{
		UserID:  "patient",
		Message: "tell me a story",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("turn took %v, deadline did not bound it", elapsed)
	}
	if strings.TrimSpace(resp.Reply) == "" {
		t.Error("expected a fault reply for the timed-out backend")
	}
	if got := gov.Inflight(); got != 0 {
		t.Errorf("inflight after turn = %d, want 0 (slot must be released)", got)
	}
}
