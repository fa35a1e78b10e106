// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package localexec runs file and shell operations scoped to a session's
// working directory, with fuzzy resolution of user-typed path fragments.
package localexec

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quartermaster/services/agent/fault"
	"github.com/AleutianAI/quartermaster/services/agent/routing"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	execTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "localexec",
		Name:      "tool_total",
		Help:      "Local tool executions by tool and outcome",
	}, []string{"tool", "outcome"})

	execFuzzyResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quartermaster",
		Subsystem: "localexec",
		Name:      "fuzzy_resolved_total",
		Help:      "Path fragments resolved by fuzzy matching rather than exact lookup",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var execTracer = otel.Tracer("quartermaster.agent.localexec")

// =============================================================================
// Engine
// =============================================================================

// DefaultCommandTimeout bounds a single shell command.
const DefaultCommandTimeout = 30 * time.Second

// maxOutputBytes caps captured output so a runaway command cannot balloon a
// turn response.
const maxOutputBytes = 64 * 1024

// maxListEntries caps directory listings in the rendered output.
const maxListEntries = 200

// maxSearchResults caps file search results.
const maxSearchResults = 100

// Result is the outcome of one local tool execution.
type Result struct {
	// Output is the captured, size-capped text output.
	Output string

	// WorkingDir is the session working directory after execution. Differs
	// from the input only when DirChanged is true.
	WorkingDir string

	// DirChanged is true when the tool performed a directory change.
	DirChanged bool
}

// Engine executes local tools against a caller-supplied working directory.
//
// # Description
//
// The engine is stateless: the working directory comes in with every call
// and goes back out in the Result, so the session layer owns persistence.
// Path fragments that do not resolve exactly are retried through the fuzzy
// matcher; fragments that still fail return a not-found fault rather than a
// guess.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	timeout   time.Duration
	threshold int
	logger    *slog.Logger
}

// NewEngine creates an Engine. Non-positive timeout or threshold use the
// defaults.
func NewEngine(timeout time.Duration, fuzzyThreshold int, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{timeout: timeout, threshold: fuzzyThreshold, logger: logger}
}

// Handles reports whether a tool name is executed locally by this engine.
func Handles(tool string) bool {
	switch tool {
	case routing.ToolPrintWorkingDir, routing.ToolListDirectory, routing.ToolReadFile,
		routing.ToolSearchFiles, routing.ToolChangeDirectory, routing.ToolRunShell,
		routing.ToolLoadDataset:
		return true
	}
	return false
}

// Execute runs one tool call.
//
// # Inputs
//
//   - ctx: Context bounding shell commands.
//   - workingDir: The session's current working directory, absolute.
//   - call: The routed tool call. Must not be nil.
//
// # Outputs
//
//   - *Result: Output plus any working-directory change.
//   - error: A fault with a user-presentable kind.
func (e *Engine) Execute(ctx context.Context, workingDir string, call *routing.ToolCall) (*Result, error) {
	ctx, span := execTracer.Start(ctx, "localexec.Engine.Execute",
		trace.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.Bool("forced", call.Forced),
		),
	)
	defer span.End()

	var (
		res *Result
		err error
	)
	switch call.Name {
	case routing.ToolPrintWorkingDir:
		res = &Result{Output: workingDir, WorkingDir: workingDir}
	case routing.ToolListDirectory:
		res, err = e.listDirectory(workingDir, call)
	case routing.ToolReadFile:
		res, err = e.readFile(workingDir, call)
	case routing.ToolSearchFiles:
		res, err = e.searchFiles(workingDir, call)
	case routing.ToolChangeDirectory:
		res, err = e.changeDirectory(workingDir, call)
	case routing.ToolRunShell:
		res, err = e.runShell(ctx, workingDir, call)
	case routing.ToolLoadDataset:
		res, err = e.loadDataset(workingDir, call)
	default:
		err = fault.Newf(fault.KindToolNotFound, "no local tool named %q", call.Name)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
	}
	execTotal.WithLabelValues(call.Name, outcome).Inc()
	return res, err
}

// stringArg pulls a string argument, empty when absent or mistyped.
func stringArg(call *routing.ToolCall, key string) string {
	if v, ok := call.Arguments[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// resolvePath resolves a possibly-relative, possibly-fragmentary path against
// the working directory. Exact matches win; otherwise the parent directory's
// entries are fuzzy-scored. dirsOnly restricts candidates to directories.
func (e *Engine) resolvePath(workingDir, fragment string, dirsOnly bool) (string, error) {
	if fragment == "" {
		return "", fault.New(fault.KindInvalidArgument, "no path given")
	}
	if strings.HasPrefix(fragment, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			fragment = filepath.Join(home, strings.TrimPrefix(fragment, "~"))
		}
	}
	candidate := fragment
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workingDir, candidate)
	}
	candidate = filepath.Clean(candidate)

	if info, err := os.Stat(candidate); err == nil {
		if dirsOnly && !info.IsDir() {
			return "", fault.Newf(fault.KindInvalidArgument, "%s is not a directory", fragment)
		}
		return candidate, nil
	}

	// Exact lookup failed: fuzzy-match the last element against its parent.
	parent := filepath.Dir(candidate)
	base := filepath.Base(candidate)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", fault.Newf(fault.KindToolNotFound, "no such path: %s", fragment)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if dirsOnly && !ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	match, score, ok := bestMatch(base, names, e.threshold)
	if !ok {
		return "", fault.Newf(fault.KindToolNotFound, "no entry matching %q found", fragment)
	}
	execFuzzyResolved.Inc()
	e.logger.Debug("fuzzy path resolution",
		slog.String("fragment", base),
		slog.String("resolved", match),
		slog.Int("score", score),
	)
	return filepath.Join(parent, match), nil
}

func (e *Engine) listDirectory(workingDir string, call *routing.ToolCall) (*Result, error) {
	dir := workingDir
	if frag := stringArg(call, "path"); frag != "" {
		resolved, err := e.resolvePath(workingDir, frag, true)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "list directory", err)
	}

	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	truncated := false
	if len(names) > maxListEntries {
		names = names[:maxListEntries]
		truncated = true
	}
	out := strings.Join(names, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (%d entries shown)", maxListEntries)
	}
	if out == "" {
		out = "(empty directory)"
	}
	return &Result{Output: out, WorkingDir: workingDir}, nil
}

func (e *Engine) readFile(workingDir string, call *routing.ToolCall) (*Result, error) {
	frag := stringArg(call, "path")
	path, err := e.resolvePath(workingDir, frag, false)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "open file", err)
	}
	defer f.Close()

	buf := make([]byte, maxOutputBytes+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fault.Wrap(fault.KindStepExecution, "read file", err)
	}
	out := string(buf[:min(n, maxOutputBytes)])
	if n > maxOutputBytes {
		out += "\n... (truncated)"
	}
	return &Result{Output: out, WorkingDir: workingDir}, nil
}

func (e *Engine) searchFiles(workingDir string, call *routing.ToolCall) (*Result, error) {
	pattern := stringArg(call, "pattern")
	if pattern == "" {
		pattern = stringArg(call, "query")
	}
	if pattern == "" {
		return nil, fault.New(fault.KindInvalidArgument, "no search pattern given")
	}
	needle := strings.ToLower(pattern)

	var matches []string
	err := filepath.WalkDir(workingDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") && path != workingDir {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.Contains(strings.ToLower(d.Name()), needle) {
			rel, relErr := filepath.Rel(workingDir, path)
			if relErr != nil {
				rel = path
			}
			matches = append(matches, rel)
			if len(matches) >= maxSearchResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "search files", err)
	}
	if len(matches) == 0 {
		return &Result{Output: fmt.Sprintf("no files matching %q", pattern), WorkingDir: workingDir}, nil
	}
	sort.Strings(matches)
	return &Result{Output: strings.Join(matches, "\n"), WorkingDir: workingDir}, nil
}

func (e *Engine) changeDirectory(workingDir string, call *routing.ToolCall) (*Result, error) {
	frag := stringArg(call, "path")
	if frag == "" {
		frag = stringArg(call, "query")
	}
	resolved, err := e.resolvePath(workingDir, frag, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("working directory changed",
		slog.String("from", workingDir),
		slog.String("to", resolved),
	)
	return &Result{
		Output:     "now in " + resolved,
		WorkingDir: resolved,
		DirChanged: true,
	}, nil
}

func (e *Engine) runShell(ctx context.Context, workingDir string, call *routing.ToolCall) (*Result, error) {
	command := stringArg(call, "command")
	if command == "" {
		return nil, fault.New(fault.KindInvalidArgument, "no command given")
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = workingDir
	out, err := cmd.CombinedOutput()
	if len(out) > maxOutputBytes {
		out = append(out[:maxOutputBytes], []byte("\n... (truncated)")...)
	}
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fault.Newf(fault.KindStepExecution, "command timed out after %s", e.timeout)
	}
	if err != nil {
		// Non-zero exit still surfaces the captured output; callers decide
		// how to present it.
		return nil, fault.Wrap(fault.KindStepExecution, "command failed",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return &Result{Output: strings.TrimRight(string(out), "\n"), WorkingDir: workingDir}, nil
}

// loadDataset reads a delimited data file and renders a structural summary:
// row and column counts, column names, and numeric column ranges.
func (e *Engine) loadDataset(workingDir string, call *routing.ToolCall) (*Result, error) {
	frag := stringArg(call, "path")
	path, err := e.resolvePath(workingDir, frag, false)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "open dataset", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fault.Wrap(fault.KindStepExecution, "read dataset header", err)
	}

	type colStats struct {
		numeric   bool
		seen      int
		low, high float64
		sum       float64
	}
	stats := make([]colStats, len(header))
	for i := range stats {
		stats[i].numeric = true
	}

	rows := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.KindStepExecution, "read dataset row", err)
		}
		rows++
		for i, field := range rec {
			if i >= len(stats) || field == "" {
				continue
			}
			v, perr := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if perr != nil {
				stats[i].numeric = false
				continue
			}
			s := &stats[i]
			if s.seen == 0 || v < s.low {
				s.low = v
			}
			if s.seen == 0 || v > s.high {
				s.high = v
			}
			s.sum += v
			s.seen++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "loaded %s: %d rows, %d columns\n", filepath.Base(path), rows, len(header))
	fmt.Fprintf(&b, "columns: %s", strings.Join(header, ", "))
	for i, s := range stats {
		if s.numeric && s.seen > 0 {
			fmt.Fprintf(&b, "\n%s: min=%g max=%g mean=%g", header[i], s.low, s.high, s.sum/float64(s.seen))
		}
	}
	return &Result{Output: b.String(), WorkingDir: workingDir}, nil
}
