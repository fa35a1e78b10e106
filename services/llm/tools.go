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

// ToolDef is the provider-agnostic tool definition offered to the model.
// Each client converts it to its native wire format (Anthropic input_schema,
// OpenAI function object, Ollama tools array).
//
// Thread Safety: Immutable; safe for concurrent read access.
type ToolDef struct {
	// Name is the tool name the model will propose.
	Name string `json:"name"`

	// Description tells the model what the tool does and when to use it.
	Description string `json:"description"`

	// Parameters is the JSON Schema for arguments.
	Parameters ToolParameters `json:"parameters"`
}

// ToolParameters is the object-typed JSON Schema for tool arguments.
type ToolParameters struct {
	// Type is always "object".
	Type string `json:"type"`

	// Properties maps argument names to their definitions.
	Properties map[string]ToolParam `json:"properties,omitempty"`

	// Required lists arguments the model must supply.
	Required []string `json:"required,omitempty"`
}

// ToolParam defines a single argument.
type ToolParam struct {
	// Type is the JSON Schema type (string, integer, number, boolean).
	Type string `json:"type"`

	// Description explains the argument to the model.
	Description string `json:"description,omitempty"`

	// Enum restricts values to a fixed set.
	Enum []any `json:"enum,omitempty"`
}

// ObjectSchema is a convenience constructor for the common case of a flat
// object schema.
func ObjectSchema(props map[string]ToolParam, required ...string) ToolParameters {
	return ToolParameters{Type: "object", Properties: props, Required: required}
}
