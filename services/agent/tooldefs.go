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
	"github.com/AleutianAI/quartermaster/services/agent/routing"
	"github.com/AleutianAI/quartermaster/services/llm"
)

// toolDefs is the tool schema offered to the model for single-tool turns.
// The router may still override whatever the model proposes.
func toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        routing.ToolPrintWorkingDir,
			Description: "Report the session's current working directory.",
			Parameters:  llm.ObjectSchema(nil),
		},
		{
			Name:        routing.ToolListDirectory,
			Description: "List the entries of a directory. Defaults to the current working directory.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"path": {Type: "string", Description: "Directory to list. May be a fuzzy name fragment."},
			}),
		},
		{
			Name:        routing.ToolReadFile,
			Description: "Read a text file and return its contents.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"path": {Type: "string", Description: "File to read. May be a fuzzy name fragment."},
			}, "path"),
		},
		{
			Name:        routing.ToolSearchFiles,
			Description: "Search for files by name under the current working directory.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"query": {Type: "string", Description: "Case-insensitive name fragment."},
			}, "query"),
		},
		{
			Name:        routing.ToolChangeDirectory,
			Description: "Change the session's working directory.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"path": {Type: "string", Description: "Target directory. May be a fuzzy name fragment."},
			}, "path"),
		},
		{
			Name:        routing.ToolRunShell,
			Description: "Run a shell command in the session's working directory.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"command": {Type: "string", Description: "The sh command line to run."},
			}, "command"),
		},
		{
			Name:        routing.ToolLoadDataset,
			Description: "Load a CSV or TSV dataset and summarize its columns.",
			Parameters: llm.ObjectSchema(map[string]llm.ToolParam{
				"path": {Type: "string", Description: "Dataset file. May be a fuzzy name fragment."},
			}, "path"),
		},
	}
}
