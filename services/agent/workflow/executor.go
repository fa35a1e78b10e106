// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/agent/localexec"
	"github.com/AleutianAI/quartermaster/services/agent/routing"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	workflowStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "workflow",
		Name:      "steps_total",
		Help:      "Workflow steps by outcome: ok, failed, skipped",
	}, []string{"outcome"})

	workflowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quartermaster",
		Subsystem: "workflow",
		Name:      "duration_seconds",
		Help:      "End-to-end workflow execution time",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var workflowTracer = otel.Tracer("quartermaster.agent.workflow")

// =============================================================================
// Executor
// =============================================================================

// ToolRunner executes a single routed tool call. Satisfied by the local
// execution engine.
type ToolRunner interface {
	Execute(ctx context.Context, workingDir string, call *routing.ToolCall) (*localexec.Result, error)
}

// StepOutcome is the result of one executed (or skipped) step.
type StepOutcome struct {
	// Index is the step's position in the plan.
	Index int

	// Description is the step's declared purpose.
	Description string

	// Output is the rendered output. Empty for skipped steps.
	Output string

	// Err is non-nil for the failing step only.
	Err error

	// Ran is false for steps skipped after a failure.
	Ran bool
}

// RunResult is the outcome of a full plan execution.
type RunResult struct {
	// Steps holds one outcome per plan step, in order. Steps after a failure
	// are present with Ran=false so the response can show what never ran.
	Steps []StepOutcome

	// FailedIndex is the failing step's index, or -1 when all steps ran.
	FailedIndex int

	// WorkingDir is the working directory after execution; a directory
	// change made by a step persists to the session.
	WorkingDir string
}

// Failed reports whether the run halted early.
func (r *RunResult) Failed() bool { return r.FailedIndex >= 0 }

// Executor runs validated plans sequentially.
//
// # Description
//
// Steps run strictly in order. Each step sees the named outputs of the prior
// steps it declared as inputs, injected as environment variables for script
// steps and appended to the query for tool steps. The first failure halts
// the run; completed outputs are kept and surfaced, and remaining steps are
// reported as skipped.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	runner ToolRunner
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(runner ToolRunner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, logger: logger}
}

// Run executes a plan.
//
// # Inputs
//
//   - ctx: Context bounding the whole run.
//   - workingDir: Session working directory at plan start.
//   - plan: A validated plan. Must not be nil.
//
// # Outputs
//
//   - *RunResult: Always non-nil, even on failure; partial outputs are
//     preserved for transparency.
func (x *Executor) Run(ctx context.Context, workingDir string, plan *Plan) *RunResult {
	ctx, span := workflowTracer.Start(ctx, "workflow.Executor.Run",
		trace.WithAttributes(attribute.Int("steps", len(plan.Steps))),
	)
	defer span.End()
	start := time.Now()
	defer func() { workflowDuration.Observe(time.Since(start).Seconds()) }()

	res := &RunResult{FailedIndex: -1, WorkingDir: workingDir}
	outputs := make([]string, len(plan.Steps))

	for i, step := range plan.Steps {
		if res.Failed() {
			workflowStepsTotal.WithLabelValues("skipped").Inc()
			res.Steps = append(res.Steps, StepOutcome{Index: i, Description: step.Description})
			continue
		}
		if err := ctx.Err(); err != nil {
			res.FailedIndex = i
			res.Steps = append(res.Steps, StepOutcome{
				Index:       i,
				Description: step.Description,
				Err:         fault.Wrap(fault.KindStepExecution, "workflow cancelled", err),
			})
			workflowStepsTotal.WithLabelValues("failed").Inc()
			continue
		}

		out, err := x.runStep(ctx, res.WorkingDir, &step, outputs)
		if err != nil {
			x.logger.Warn("workflow step failed",
				slog.Int("step", i),
				slog.String("description", step.Description),
				slog.String("error", err.Error()),
			)
			workflowStepsTotal.WithLabelValues("failed").Inc()
			span.SetAttributes(attribute.Int("failed_step", i))
			res.FailedIndex = i
			res.Steps = append(res.Steps, StepOutcome{
				Index:       i,
				Description: step.Description,
				Err:         err,
				Ran:         true,
			})
			continue
		}

		outputs[i] = out.Output
		if out.DirChanged {
			res.WorkingDir = out.WorkingDir
		}
		workflowStepsTotal.WithLabelValues("ok").Inc()
		res.Steps = append(res.Steps, StepOutcome{
			Index:       i,
			Description: step.Description,
			Output:      renderOutput(out.Output),
			Ran:         true,
		})
	}
	return res
}

// runStep dispatches one step to the tool runner or the script sandbox.
func (x *Executor) runStep(ctx context.Context, workingDir string, step *Step, outputs []string) (*localexec.Result, error) {
	if step.Tool != "" {
		call := step.ToolCall()
		// Prior outputs the step asked for ride along as extra arguments.
		for _, in := range step.Inputs {
			call.Arguments[fmt.Sprintf("input_%d", in)] = outputs[in]
		}
		return x.runner.Execute(ctx, workingDir, call)
	}
	return x.runScript(ctx, step, outputs)
}

// runScript evaluates a script step in a scratch directory, isolated from
// the session working directory. Declared inputs arrive as STEP_<i>
// environment variables via an exported prelude.
func (x *Executor) runScript(ctx context.Context, step *Step, outputs []string) (*localexec.Result, error) {
	scratch, err := os.MkdirTemp("", "qm-step-*")
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "create scratch directory", err)
	}
	defer os.RemoveAll(scratch)

	var prelude strings.Builder
	for _, in := range step.Inputs {
		fmt.Fprintf(&prelude, "STEP_%d=%s\nexport STEP_%d\n", in, localexec.ShellQuote(outputs[in]), in)
	}

	call := &routing.ToolCall{
		Name:      routing.ToolRunShell,
		Arguments: map[string]any{"command": prelude.String() + step.Script},
		Origin:    routing.OriginModel,
	}
	res, err := x.runner.Execute(ctx, scratch, call)
	if err != nil {
		return nil, err
	}
	// A script cannot move the session's working directory.
	return &localexec.Result{Output: res.Output}, nil
}

// renderOutput applies the numeric rendering rules when a step's whole
// output is a single number; everything else passes through.
func renderOutput(out string) string {
	trimmed := strings.TrimSpace(out)
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil && trimmed != "" {
		return FormatNumber(v)
	}
	return out
}

// RenderReport builds the consolidated user-facing response for a run.
//
// # Description
//
// Completed steps show their rendered output. On failure, the report names
// the failing step and its error in normalized form, then lists the steps
// that never ran.
func RenderReport(plan *Plan, res *RunResult) string {
	var b strings.Builder
	for _, so := range res.Steps {
		switch {
		case so.Err != nil:
			fmt.Fprintf(&b, "step %d (%s) failed: %s\n", so.Index+1, so.Description, fault.UserMessage(so.Err))
		case so.Ran:
			fmt.Fprintf(&b, "step %d (%s):\n%s\n", so.Index+1, so.Description, so.Output)
		default:
			fmt.Fprintf(&b, "step %d (%s): not run\n", so.Index+1, so.Description)
		}
	}
	if res.Failed() {
		fmt.Fprintf(&b, "\nstopped after step %d of %d; earlier results are shown above", res.FailedIndex+1, len(plan.Steps))
	}
	return strings.TrimRight(b.String(), "\n")
}
