// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextfmt

import "unicode/utf8"

// Truncation policy: keep head and tail, elide the middle with a fixed
// marker. The head gets the larger share since openings carry declarations
// and imports. Pure byte arithmetic, so the result is identical across runs
// for identical input; cut points back off to rune boundaries so the
// output stays valid UTF-8.

// elisionMarker replaces elided middle content.
const elisionMarker = "\n[... content elided ...]\n"

// minContentBudget is the smallest budget worth truncating into.
const minContentBudget = 32

// headShare is the percentage of the remaining budget given to the head.
const headShare = 60

// TruncateMiddle bounds s to max bytes. Content within budget is returned
// unchanged; otherwise the head and tail are kept and the middle replaced
// by the elision marker. The result is always <= max bytes.
func TruncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= len(elisionMarker) {
		return s[:runeCut(s, max)]
	}

	remaining := max - len(elisionMarker)
	head := runeCut(s, remaining*headShare/100)
	tailStart := len(s) - (remaining - head)
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}

	return s[:head] + elisionMarker + s[tailStart:]
}

// runeCut backs a byte offset off to the nearest rune boundary at or
// before it.
func runeCut(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
