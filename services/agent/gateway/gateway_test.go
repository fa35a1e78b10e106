// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/llm"
)

// mockClient implements llm.Client with a function field.
type mockClient struct {
	name     string
	chatFunc func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	calls    int
}

func (m *mockClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	m.calls++
	return m.chatFunc(ctx, req)
}

func (m *mockClient) Name() string { return m.name }

// fastOpts keeps retries quick in tests.
func fastOpts() Options {
	return Options{
		MaxTries:         3,
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		RequestRate:      rate.Inf,
		RequestBurst:     1,
	}
}

func transientErr(name string) error {
	return &llm.ProviderError{Provider: name, Kind: llm.KindUnavailable, Status: 503, Detail: "overloaded"}
}

func authErr(name string) error {
	return &llm.ProviderError{Provider: name, Kind: llm.KindAuth, Status: 401, Detail: "bad key"}
}

func TestChatRetriesTransientThenSucceeds(t *testing.T) {
	c := &mockClient{name: "flaky"}
	c.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		if c.calls < 3 {
			return nil, transientErr(c.name)
		}
		return &llm.ChatResult{Content: "ok"}, nil
	}
	g := New([]llm.Client{c}, fastOpts(), nil)

	res, err := g.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
	if c.calls != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", c.calls)
	}
}

func TestChatDoesNotRetryPermanentErrors(t *testing.T) {
	c := &mockClient{name: "locked-out"}
	c.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, authErr(c.name)
	}
	g := New([]llm.Client{c}, fastOpts(), nil)

	_, err := g.Chat(context.Background(), llm.ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if c.calls != 1 {
		t.Errorf("calls = %d, auth errors must not retry", c.calls)
	}
	if fault.KindOf(err) != fault.KindProviderAuth {
		t.Errorf("kind = %v, want provider auth", fault.KindOf(err))
	}
}

func TestChatFailsOverToNextBackend(t *testing.T) {
	dead := &mockClient{name: "dead"}
	dead.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, transientErr(dead.name)
	}
	alive := &mockClient{name: "alive"}
	alive.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return &llm.ChatResult{Content: "from alive"}, nil
	}
	g := New([]llm.Client{dead, alive}, fastOpts(), nil)

	res, err := g.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "from alive" {
		t.Errorf("content = %q, want the failover backend's answer", res.Content)
	}
	if dead.calls != 3 {
		t.Errorf("dead backend calls = %d, want retries exhausted first", dead.calls)
	}
}

func TestChatSkipsOpenBreakerWithoutNetworkCall(t *testing.T) {
	dead := &mockClient{name: "tripped"}
	dead.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, transientErr(dead.name)
	}
	alive := &mockClient{name: "healthy"}
	alive.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return &llm.ChatResult{Content: "ok"}, nil
	}
	g := New([]llm.Client{dead, alive}, fastOpts(), nil)
	ctx := context.Background()

	// Two failed requests open the breaker (threshold 2).
	g.Chat(ctx, llm.ChatRequest{})
	g.Chat(ctx, llm.ChatRequest{})
	callsBefore := dead.calls

	if _, err := g.Chat(ctx, llm.ChatRequest{}); err != nil {
		t.Fatalf("Chat with open breaker on first backend: %v", err)
	}
	if dead.calls != callsBefore {
		t.Errorf("open breaker still reached the backend: %d -> %d calls", callsBefore, dead.calls)
	}
}

func TestChatHalfOpenProbeIsSingleAttempt(t *testing.T) {
	c := &mockClient{name: "recovering"}
	c.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, transientErr(c.name)
	}
	g := New([]llm.Client{c}, fastOpts(), nil)
	ctx := context.Background()

	// Two failed requests open the breaker (threshold 2).
	g.Chat(ctx, llm.ChatRequest{})
	g.Chat(ctx, llm.ChatRequest{})

	br := g.backends[0].breaker
	if br.State() != StateOpen {
		t.Fatalf("state = %v, want open", br.State())
	}

	// Past the cool-down the next request is the probe: one network
	// attempt, no retries.
	now := time.Now().Add(2 * time.Minute)
	br.now = func() time.Time { return now }
	callsBefore := c.calls

	if _, err := g.Chat(ctx, llm.ChatRequest{}); err == nil {
		t.Fatal("expected the probe to fail")
	}
	if got := c.calls - callsBefore; got != 1 {
		t.Errorf("probe made %d attempts, want exactly 1", got)
	}
	if br.State() != StateOpen {
		t.Errorf("state after failed probe = %v, want open again", br.State())
	}
}

func TestChatAllBackendsFail(t *testing.T) {
	a := &mockClient{name: "a"}
	a.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, transientErr(a.name)
	}
	b := &mockClient{name: "b"}
	b.chatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, transientErr(b.name)
	}
	g := New([]llm.Client{a, b}, fastOpts(), nil)

	_, err := g.Chat(context.Background(), llm.ChatRequest{})
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
	if fault.KindOf(err) != fault.KindProviderUnavailable {
		t.Errorf("kind = %v, want provider unavailable", fault.KindOf(err))
	}
}

func TestChatNoBackends(t *testing.T) {
	g := New(nil, Options{}, nil)
	_, err := g.Chat(context.Background(), llm.ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindProviderUnavailable {
		t.Errorf("kind = %v", fault.KindOf(err))
	}
}

func TestBackends(t *testing.T) {
	a := &mockClient{name: "first"}
	b := &mockClient{name: "second"}
	g := New([]llm.Client{a, b}, Options{}, nil)
	names := g.Backends()
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("Backends() = %v", names)
	}
}
