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

import "regexp"

// secretPattern pairs a compiled regex with a labeled replacement so the log
// reader can tell what class of secret was present without seeing its value.
type secretPattern struct {
	re    *regexp.Regexp
	label string
}

// secretPatterns is ordered most-specific-first: the Anthropic prefix must be
// checked before the bare "sk-" OpenAI prefix or the match is partial.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`sk-ant-api03-[A-Za-z0-9_-]{20,}`), "[REDACTED:anthropic_key]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "[REDACTED:openai_key]"},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`), "[REDACTED:bearer_token]"},
	{regexp.MustCompile(`api[_-]?key=[A-Za-z0-9._-]{10,}`), "api_key=[REDACTED]"},
	{regexp.MustCompile(`password=[^\s&]{3,}`), "password=[REDACTED]"},
}

// SafeLogString redacts known secret formats from s before it reaches a log
// line, an error message, or a response body excerpt.
//
// # Description
//
// Pattern-based only: a credential with a non-standard prefix will not be
// caught, and multi-line secrets are not matched. This is log hygiene, not
// cryptographic guarantee. Nothing in this package puts secrets into
// payloads on purpose; this catches the ones providers echo back at us.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.label)
	}
	return s
}
