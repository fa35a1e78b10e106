// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localexec

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultFuzzyThreshold is the minimum score a candidate must reach before
// the resolver will accept it instead of failing with not-found.
const DefaultFuzzyThreshold = 60

// FuzzyScore rates how well a user-typed fragment matches a directory entry
// name, from 0 (unrelated) to 100 (exact).
//
// # Description
//
// Two signals are blended: a token-subset score (what fraction of the
// fragment's words appear among the candidate's words) and a character
// similarity score (edit distance normalized to the longer string). Token
// overlap dominates because users abbreviate by dropping words, not by
// scrambling letters. An exact case-insensitive match scores 100 regardless
// of the blend.
func FuzzyScore(fragment, candidate string) int {
	f := strings.ToLower(strings.TrimSpace(fragment))
	c := strings.ToLower(strings.TrimSpace(candidate))
	if f == "" || c == "" {
		return 0
	}
	if f == c {
		return 100
	}

	token := tokenSubsetScore(f, c)
	char := charSimilarity(f, c)
	score := int(0.6*float64(token) + 0.4*float64(char) + 0.5)

	// Containment floor: a fragment typed as a prefix or substring of the
	// real name ("proj" for "projects") is a strong signal even when the
	// blended score is mediocre, scaled by how much of the name it covers.
	// Separators are stripped first so "cm 522" still contains within
	// "cm522-main".
	fs, cs := stripSeparators(f), stripSeparators(c)
	if fs != "" && cs != "" && (strings.Contains(cs, fs) || strings.Contains(fs, cs)) {
		shorter, longer := len(fs), len(cs)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if floor := 70 + 29*shorter/longer; floor > score {
			score = floor
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// tokenSubsetScore returns 0-100: the fraction of fragment tokens found in
// the candidate's token set, with partial credit for prefix matches.
func tokenSubsetScore(fragment, candidate string) int {
	fragTokens := splitTokens(fragment)
	candTokens := splitTokens(candidate)
	if len(fragTokens) == 0 || len(candTokens) == 0 {
		return 0
	}

	candSet := make(map[string]bool, len(candTokens))
	for _, t := range candTokens {
		candSet[t] = true
	}

	var matched float64
	for _, ft := range fragTokens {
		if candSet[ft] {
			matched++
			continue
		}
		// Partial credit when one token contains the other: "proj"
		// against "projects", "522" against "cm522".
		best := 0.0
		for _, ct := range candTokens {
			if strings.Contains(ct, ft) || strings.Contains(ft, ct) {
				shorter, longer := len(ft), len(ct)
				if shorter > longer {
					shorter, longer = longer, shorter
				}
				if frac := float64(shorter) / float64(longer); frac > best {
					best = frac
				}
			}
		}
		matched += best
	}
	return int(matched / float64(len(fragTokens)) * 100)
}

// stripSeparators drops every non-alphanumeric rune so containment checks
// see "cm522main" for "cm522-main".
func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitTokens breaks a name on any non-alphanumeric rune.
func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// charSimilarity returns 0-100 from edit distance over the longer length.
func charSimilarity(a, b string) int {
	la, lb := len(a), len(b)
	longer := la
	if lb > longer {
		longer = lb
	}
	if longer == 0 {
		return 100
	}
	d := editDistance(a, b)
	return int(float64(longer-d) / float64(longer) * 100)
}

// editDistance is the Levenshtein distance with a two-row table.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// scoredEntry pairs a directory entry name with its fuzzy score.
type scoredEntry struct {
	name  string
	score int
}

// bestMatch picks the highest-scoring candidate at or above threshold.
// Ties break toward the shortest name, then lexicographically for
// determinism.
//
// # Outputs
//
//   - string: The winning candidate name.
//   - int: Its score.
//   - bool: False when no candidate clears the threshold.
func bestMatch(fragment string, candidates []string, threshold int) (string, int, bool) {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	scored := make([]scoredEntry, 0, len(candidates))
	for _, c := range candidates {
		if s := FuzzyScore(fragment, c); s >= threshold {
			scored = append(scored, scoredEntry{name: c, score: s})
		}
	}
	if len(scored) == 0 {
		return "", 0, false
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if len(scored[i].name) != len(scored[j].name) {
			return len(scored[i].name) < len(scored[j].name)
		}
		return scored[i].name < scored[j].name
	})
	return scored[0].name, scored[0].score, true
}
