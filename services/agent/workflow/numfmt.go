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
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxDecimals caps the decimal places shown for non-integer values.
const maxDecimals = 2

// groupingFloor is the magnitude at which integer parts gain thousands
// separators.
const groupingFloor = 10_000

// FormatNumber renders a numeric value for display.
//
// # Description
//
// Rules, applied uniformly to every displayed step result:
//
//   - integers render with no decimal point (120.0 -> "120")
//   - non-integers render with the minimum decimals needed, capped
//     (8.16497 -> "8.16", 0.5 -> "0.5")
//   - magnitudes at or above 10,000 gain grouping separators
//     (40320000 -> "40,320,000")
//
// The input stays numeric until this final render, so grouped and raw forms
// always derive from the same value.
func FormatNumber(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if math.IsInf(v, 1) {
		return "Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}

	neg := math.Signbit(v) && v != 0
	abs := math.Abs(v)

	intPart, fracPart := math.Modf(abs)

	var intStr string
	if intPart >= groupingFloor {
		intStr = groupDigits(strconv.FormatFloat(intPart, 'f', 0, 64))
	} else {
		intStr = strconv.FormatFloat(intPart, 'f', 0, 64)
	}

	var fracStr string
	if fracPart != 0 {
		// Round the fraction to the cap, then trim trailing zeros. Rounding
		// may carry into the integer part (0.999 -> 1).
		rounded := math.Round(abs*math.Pow10(maxDecimals)) / math.Pow10(maxDecimals)
		if ri, rf := math.Modf(rounded); rf == 0 {
			if ri >= groupingFloor {
				intStr = groupDigits(strconv.FormatFloat(ri, 'f', 0, 64))
			} else {
				intStr = strconv.FormatFloat(ri, 'f', 0, 64)
			}
		} else {
			s := strconv.FormatFloat(rf, 'f', maxDecimals, 64) // "0.xx"
			fracStr = strings.TrimRight(s[1:], "0")
			if fracStr == "." {
				fracStr = ""
			}
		}
	}

	out := intStr + fracStr
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// FormatAbbrev renders very large magnitudes with a single-letter suffix
// (1_250_000 -> "1.25M"). Values under a million fall back to FormatNumber.
// Both forms derive from the same float, so either can be shown.
func FormatAbbrev(v float64) string {
	abs := math.Abs(v)
	var (
		div    float64
		suffix string
	)
	switch {
	case abs >= 1e9:
		div, suffix = 1e9, "B"
	case abs >= 1e6:
		div, suffix = 1e6, "M"
	default:
		return FormatNumber(v)
	}
	scaled := v / div
	s := strconv.FormatFloat(scaled, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s + suffix
}

// groupDigits inserts thousands separators into a bare digit string.
func groupDigits(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	lead := n % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// RenderValue applies FormatNumber to numeric values and passes everything
// else through as a plain string.
func RenderValue(v any) string {
	switch x := v.(type) {
	case float64:
		return FormatNumber(x)
	case float32:
		return FormatNumber(float64(x))
	case int:
		return FormatNumber(float64(x))
	case int64:
		return FormatNumber(float64(x))
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
