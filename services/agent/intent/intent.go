// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies user utterances into request categories using a
// tiered lookup: result cache, then deterministic heuristics, then a
// model-backed fallback that fails open to conversational.
package intent

import (
	"strings"
	"time"
)

// Category is the classified purpose of an utterance.
type Category string

const (
	CategoryLocationQuery    Category = "location_query"
	CategoryFileRead         Category = "file_read"
	CategoryFileSearch       Category = "file_search"
	CategoryDirectoryListing Category = "directory_listing"
	CategoryShellExecution   Category = "shell_execution"
	CategoryDataAnalysis     Category = "data_analysis"
	CategoryResearchQuery    Category = "research_query"
	CategoryFinancialQuery   Category = "financial_query"
	CategoryConversational   Category = "conversational"
	CategoryUnknown          Category = "unknown"
)

// ParseCategory maps a label to a known Category, tolerating the casing and
// stray punctuation small models produce. Unrecognized labels map to
// CategoryUnknown.
func ParseCategory(label string) Category {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.Trim(label, `"'.`+" `")
	label = strings.ReplaceAll(label, " ", "_")
	switch Category(label) {
	case CategoryLocationQuery, CategoryFileRead, CategoryFileSearch,
		CategoryDirectoryListing, CategoryShellExecution, CategoryDataAnalysis,
		CategoryResearchQuery, CategoryFinancialQuery, CategoryConversational:
		return Category(label)
	}
	return CategoryUnknown
}

// Source records which classification tier produced a result.
type Source string

const (
	SourceHeuristic Source = "heuristic"
	SourceCached    Source = "cached"
	SourceModel     Source = "model"
)

// Result is an immutable classification outcome.
type Result struct {
	// Category is the classified request category.
	Category Category

	// Confidence is in [0,1]. Heuristic results carry the matching rule's
	// weight; fail-open results carry a deliberately low value.
	Confidence float64

	// Source is the tier that produced the result.
	Source Source

	// At is when the classification was produced.
	At time.Time
}

// Normalize canonicalizes an utterance for cache keying and rule matching:
// lowercase, trimmed, inner whitespace collapsed.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
