// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/quartermaster/services/llm"
)

// mockChatter implements Chatter with a function field.
type mockChatter struct {
	chatFunc func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	m.calls++
	return m.chatFunc(ctx, req)
}

func TestClassifyHeuristicTier(t *testing.T) {
	model := &mockChatter{chatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		t.Error("model should not be called when a heuristic matches")
		return nil, errors.New("unreachable")
	}}
	c := NewClassifier(nil, nil, model, 0, nil)

	r := c.Classify(context.Background(), "where am I?")
	if r.Category != CategoryLocationQuery {
		t.Errorf("category = %s, want location_query", r.Category)
	}
	if r.Source != SourceHeuristic {
		t.Errorf("source = %s, want heuristic", r.Source)
	}
}

func TestClassifyModelTierAndCaching(t *testing.T) {
	model := &mockChatter{chatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return &llm.ChatResult{Content: "research_query\n"}, nil
	}}
	c := NewClassifier(nil, nil, model, 0, nil)
	ctx := context.Background()

	r := c.Classify(ctx, "tell me about the Aleutian islands trade routes")
	if r.Category != CategoryResearchQuery || r.Source != SourceModel {
		t.Fatalf("first call = (%s, %s), want (research_query, model)", r.Category, r.Source)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}

	// Same utterance hits the cache; model is not consulted again.
	r2 := c.Classify(ctx, "Tell me about the   Aleutian islands trade routes")
	if r2.Source != SourceCached {
		t.Errorf("second call source = %s, want cached", r2.Source)
	}
	if r2.Category != CategoryResearchQuery {
		t.Errorf("second call category = %s, want research_query", r2.Category)
	}
	if model.calls != 1 {
		t.Errorf("model calls after cache hit = %d, want 1", model.calls)
	}
}

func TestClassifyFailsOpenOnModelError(t *testing.T) {
	model := &mockChatter{chatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return nil, errors.New("backend down")
	}}
	c := NewClassifier(nil, nil, model, 0, nil)

	r := c.Classify(context.Background(), "tell me something interesting")
	if r.Category != CategoryConversational {
		t.Errorf("category = %s, want conversational", r.Category)
	}
	if r.Confidence >= 0.5 {
		t.Errorf("fail-open confidence = %v, want low", r.Confidence)
	}
}

func TestClassifyFailsOpenOnTimeout(t *testing.T) {
	model := &mockChatter{chatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &llm.ChatResult{Content: "conversational"}, nil
		}
	}}
	c := NewClassifier(nil, nil, model, 50*time.Millisecond, nil)

	start := time.Now()
	r := c.Classify(context.Background(), "an utterance no heuristic matches at all")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("classification took %v, should be bounded by the model timeout", elapsed)
	}
	if r.Category != CategoryConversational {
		t.Errorf("category = %s, want conversational fail-open", r.Category)
	}
}

func TestClassifyFailsOpenOnGarbageLabel(t *testing.T) {
	model := &mockChatter{chatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
		return &llm.ChatResult{Content: "I think this is probably a question about files."}, nil
	}}
	c := NewClassifier(nil, nil, model, 0, nil)

	r := c.Classify(context.Background(), "mumble mumble request")
	if r.Category != CategoryConversational {
		t.Errorf("category = %s, want conversational", r.Category)
	}
}

func TestClassifyNoModelConfigured(t *testing.T) {
	c := NewClassifier(nil, nil, nil, 0, nil)
	r := c.Classify(context.Background(), "something with no heuristic cue")
	if r.Category != CategoryConversational {
		t.Errorf("category = %s, want conversational", r.Category)
	}
}

func TestClassifyEmptyUtterance(t *testing.T) {
	c := NewClassifier(nil, nil, nil, 0, nil)
	r := c.Classify(context.Background(), "   ")
	if r.Category != CategoryConversational {
		t.Errorf("category = %s, want conversational", r.Category)
	}
}
