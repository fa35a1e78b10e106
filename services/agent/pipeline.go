// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent wires the turn pipeline: admission control, session
// checkout, intent classification, tool routing, and execution through the
// local engine, the workflow executor, or the provider gateway.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

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

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	pipelineTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "pipeline",
		Name:      "turns_total",
		Help:      "Completed turns by resolution path: tool, workflow, chat",
	}, []string{"path"})
)

var pipelineTracer = otel.Tracer("quartermaster.agent.pipeline")

// =============================================================================
// Pipeline
// =============================================================================

// historyWindow is how many recent turns feed the model as context.
const historyWindow = 12

// Pipeline executes one conversational turn end to end.
//
// # Description
//
// A turn is admitted by the governor, checked out against its session, and
// classified. Deterministic routing runs before any model call; a turn the
// heuristics can resolve never touches a provider. Multi-step requests are
// decomposed into a plan and run by the workflow executor. Everything else
// goes to the gateway, with or without the tool schema depending on the
// classified category.
//
// # Thread Safety
//
// Safe for concurrent use. Turns on the same session serialize inside the
// session manager; turns on different sessions run in parallel up to the
// governor's ceilings.
type Pipeline struct {
	gov      *governor.Governor
	sessions *session.Manager
	classify *intent.Classifier
	router   *routing.Router
	engine   *localexec.Engine
	executor *workflow.Executor
	gw       *gateway.Gateway
	deadline time.Duration
	logger   *slog.Logger
}

// DefaultTurnDeadline bounds one whole turn when no deadline is configured.
const DefaultTurnDeadline = 2 * time.Minute

// NewPipeline assembles a Pipeline from its components. All components are
// required except logger, which defaults to slog.Default. A deadline of
// zero uses DefaultTurnDeadline; a negative deadline disables the bound.
func NewPipeline(
	gov *governor.Governor,
	sessions *session.Manager,
	classifier *intent.Classifier,
	router *routing.Router,
	engine *localexec.Engine,
	executor *workflow.Executor,
	gw *gateway.Gateway,
	deadline time.Duration,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline == 0 {
		deadline = DefaultTurnDeadline
	}
	return &Pipeline{
		gov:      gov,
		sessions: sessions,
		classify: classifier,
		router:   router,
		engine:   engine,
		executor: executor,
		gw:       gw,
		deadline: deadline,
		logger:   logger,
	}
}

// Turn runs one user turn.
//
// # Inputs
//
//   - ctx: Context bounding the whole turn. The configured turn deadline
//     is layered on after admission, so a hung provider or tool cannot
//     hold a slot past it.
//   - req: The turn request. Message must be non-empty.
//
// # Outputs
//
//   - *datatypes.TurnResponse: The reply, always with the session id set,
//     nil only when error is non-nil.
//   - error: KindInvalidArgument for an empty message, KindConcurrencyRejected
//     when admission fails, otherwise a session or context failure. Tool and
//     provider failures do not surface here; they become the reply text.
func (p *Pipeline) Turn(ctx context.Context, req datatypes.TurnRequest) (*datatypes.TurnResponse, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, fault.New(fault.KindInvalidArgument, "message must not be empty")
	}

	user := req.UserID
	if user == "" {
		user = req.SessionID
	}
	if user == "" {
		user = "anonymous"
	}

	slot, err := p.gov.Acquire(user)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	ctx, span := pipelineTracer.Start(ctx, "agent.Pipeline.Turn",
		trace.WithAttributes(attribute.String("user", user)),
	)
	defer span.End()

	resp := &datatypes.TurnResponse{}
	id, err := p.sessions.WithSession(ctx, req.SessionID, user, func(s *session.Session) error {
		return p.runTurn(ctx, s, msg, resp)
	})
	if err != nil {
		return nil, err
	}
	resp.SessionID = id
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("intent", resp.Intent),
	)
	return resp, nil
}

// runTurn executes the turn body while the session lock is held.
func (p *Pipeline) runTurn(ctx context.Context, s *session.Session, msg string, resp *datatypes.TurnResponse) error {
	s.Append("user", msg)

	res := p.classify.Classify(ctx, msg)
	resp.Intent = string(res.Category)

	if looksMultiStep(msg) {
		done, err := p.runWorkflow(ctx, s, msg, resp)
		if err != nil {
			return err
		}
		if done {
			s.Append("assistant", resp.Reply)
			resp.WorkingDir = s.WorkingDir
			return nil
		}
		// No usable plan; treat as a single-step turn.
	}

	reply, err := p.runSingle(ctx, s, msg, res, resp)
	if err != nil {
		return err
	}

	s.Append("assistant", reply)
	resp.Reply = reply
	resp.WorkingDir = s.WorkingDir
	return nil
}

// runSingle resolves a turn that needs at most one tool call.
func (p *Pipeline) runSingle(ctx context.Context, s *session.Session, msg string, res intent.Result, resp *datatypes.TurnResponse) (string, error) {
	// Deterministic routing first: an override or intent default resolves
	// the turn without a provider call.
	if call := p.router.Route(ctx, msg, res, nil); call != nil {
		resp.Forced = call.Forced
		pipelineTurnsTotal.WithLabelValues("tool").Inc()
		return p.executeCall(ctx, s, call), nil
	}

	// Categories with no tool mapping are answered as plain conversation.
	withTools := res.Category != intent.CategoryConversational &&
		res.Category != intent.CategoryResearchQuery &&
		res.Category != intent.CategoryFinancialQuery

	result, err := p.gw.Chat(ctx, llm.ChatRequest{
		Messages:    p.history(s),
		Tools:       toolSchemaIf(withTools),
		Temperature: 0.2,
	})
	if err != nil {
		p.logger.Warn("provider call failed, answering with fault message",
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		pipelineTurnsTotal.WithLabelValues("chat").Inc()
		return fault.UserMessage(err), nil
	}

	if len(result.ToolCalls) > 0 {
		proposal := result.ToolCalls[0]
		call := p.router.Route(ctx, msg, res, &proposal)
		if call != nil {
			resp.Forced = call.Forced
			pipelineTurnsTotal.WithLabelValues("tool").Inc()
			return p.executeCall(ctx, s, call), nil
		}
	}

	pipelineTurnsTotal.WithLabelValues("chat").Inc()
	if strings.TrimSpace(result.Content) == "" {
		return "I wasn't able to produce an answer for that. Could you rephrase?", nil
	}
	return result.Content, nil
}

// executeCall runs a routed tool call against the session working directory.
// Execution failures become the reply text rather than a turn error, so the
// user sees what went wrong and the session survives.
func (p *Pipeline) executeCall(ctx context.Context, s *session.Session, call *routing.ToolCall) string {
	result, err := p.engine.Execute(ctx, s.WorkingDir, call)
	if err != nil {
		p.logger.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return fault.UserMessage(err)
	}
	if result.DirChanged {
		s.WorkingDir = result.WorkingDir
	}
	if strings.TrimSpace(result.Output) == "" {
		return "(no output)"
	}
	return result.Output
}

// runWorkflow decomposes a multi-step request into a plan and executes it.
// Returns done=false when no usable plan could be produced, in which case
// the caller falls back to single-step handling.
func (p *Pipeline) runWorkflow(ctx context.Context, s *session.Session, msg string, resp *datatypes.TurnResponse) (bool, error) {
	result, err := p.gw.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: workflow.PlanPrompt(msg)},
		},
		Temperature: 0,
	})
	if err != nil {
		p.logger.Warn("plan generation failed, falling back to single-step",
			slog.String("error", llm.SafeLogString(err.Error())),
		)
		return false, nil
	}

	plan, err := workflow.ParsePlan(result.Content)
	if err != nil {
		p.logger.Warn("plan parse failed, falling back to single-step",
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	if len(plan.Steps) < 2 {
		return false, nil
	}

	run := p.executor.Run(ctx, s.WorkingDir, plan)
	s.WorkingDir = run.WorkingDir

	resp.Steps = make([]datatypes.StepOutcome, 0, len(run.Steps))
	for _, st := range run.Steps {
		out := datatypes.StepOutcome{
			Index:       st.Index,
			Description: st.Description,
			Output:      st.Output,
			Ran:         st.Ran,
		}
		if st.Err != nil {
			out.Error = fault.UserMessage(st.Err)
		}
		resp.Steps = append(resp.Steps, out)
	}
	resp.Reply = workflow.RenderReport(plan, run)
	pipelineTurnsTotal.WithLabelValues("workflow").Inc()
	return true, nil
}

// chatSystemPrompt frames the assistant for conversational turns.
const chatSystemPrompt = "You are Quartermaster, a local assistant with access to the user's files and shell. Answer briefly and concretely. Current working directory: %s"

// history builds the provider message list from the session's recent turns.
func (p *Pipeline) history(s *session.Session) []llm.Message {
	turns := s.RecentTurns(historyWindow)
	msgs := make([]llm.Message, 0, len(turns)+1)
	msgs = append(msgs, llm.Message{
		Role:    "system",
		Content: fmt.Sprintf(chatSystemPrompt, s.WorkingDir),
	})
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	return msgs
}

func toolSchemaIf(withTools bool) []llm.ToolDef {
	if !withTools {
		return nil
	}
	return toolDefs()
}

// multiStepMarkers are phrasings that signal a request wants several actions
// in sequence.
var multiStepMarkers = []string{
	" then ", ", then", "; then", " and then ", "after that", "first ", "finally ",
}

// looksMultiStep reports whether an utterance reads like a sequenced request.
// Cheap and conservative: a false negative just means single-step handling.
func looksMultiStep(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range multiStepMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
