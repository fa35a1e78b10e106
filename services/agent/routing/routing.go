// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing maps a classified request, together with any model tool
// proposal, to the final tool call. Deterministic override rules win over
// model proposals; everything else passes through untouched.
package routing

// Canonical tool names understood by the local execution engine. The model
// proposes these by name; override rules force them.
const (
	ToolPrintWorkingDir = "print_working_directory"
	ToolListDirectory   = "list_directory"
	ToolReadFile        = "read_file"
	ToolSearchFiles     = "search_files"
	ToolChangeDirectory = "change_directory"
	ToolRunShell        = "run_shell"
	ToolLoadDataset     = "load_dataset"
)

// Origin records who chose the tool.
type Origin string

const (
	// OriginModel means the model's own proposal was used as-is.
	OriginModel Origin = "model"

	// OriginOverride means a deterministic rule replaced or supplied the tool.
	OriginOverride Origin = "override"

	// OriginIntent means the classified category mapped directly to a tool
	// with no model proposal involved.
	OriginIntent Origin = "intent"
)

// ToolCall is the final routed action for a turn.
type ToolCall struct {
	// Name is the canonical tool name.
	Name string

	// Arguments are the tool arguments. Never nil.
	Arguments map[string]any

	// Origin records which path chose this tool.
	Origin Origin

	// Forced is true when an override rule displaced the model's choice.
	// Always set together with Reason for auditability.
	Forced bool

	// Reason is the firing override rule's declared reason. Empty unless
	// Forced.
	Reason string
}
