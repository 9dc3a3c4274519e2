// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contextfmt turns raw editor state into a bounded text block that
// is safe to embed in a user-role message. Formatting is pure and
// deterministic: the same input always yields byte-identical output.
package contextfmt

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyInput is returned when there is nothing to format and the
	// profile requires content.
	ErrEmptyInput = errors.New("contextfmt: empty input")
	// ErrTooLarge is returned when the character budget cannot hold even a
	// truncated context.
	ErrTooLarge = errors.New("contextfmt: context budget too small")
)

// =============================================================================
// INPUT TYPES
// =============================================================================

// EditorContext is the raw state captured from the host editor.
type EditorContext struct {
	// Selection is the user-selected text, empty when nothing is selected.
	Selection string
	// Document is a window of lines around the cursor, as returned by the
	// host's document-window call.
	Document string
	// Filename of the active document, may be empty for unsaved buffers.
	Filename string
	// Language tag and detector confidence from the host's detection
	// heuristics. Guidance is only embedded above ConfidenceThreshold.
	Language           string
	LanguageConfidence float64
	// CursorLine is the 1-based cursor position within Document's origin.
	CursorLine int
}

// Empty reports whether there is no usable content at all.
func (ec EditorContext) Empty() bool {
	return strings.TrimSpace(ec.Selection) == "" && strings.TrimSpace(ec.Document) == ""
}

// Options parameterize formatting per agent profile.
type Options struct {
	// MaxContextLines bounds the cursor-window fallback when no selection
	// exists.
	MaxContextLines int
	// MaxChars is the hard output bound; oversized content is elided from
	// the middle, never merely warned about.
	MaxChars int
	// RequireSelection rejects selection-less input (copywriter).
	RequireSelection bool
	// FenceCode wraps the content in a language-tagged code fence
	// (code assistant). Reduces prompt-injection leverage from file text
	// that happens to look like instructions.
	FenceCode bool
	// IncludeImports prepends the document's import lines as a separate
	// section so the model sees available dependencies.
	IncludeImports bool
	// IncludeStats appends word and paragraph counts (copywriter).
	IncludeStats bool
}

// DefaultMaxChars bounds prompt size when a profile does not set one.
const DefaultMaxChars = 8000

// =============================================================================
// FORMATTING
// =============================================================================

// Format builds the context block. The selection is primary; without one a
// window of lines around the cursor is used, bounded by MaxContextLines.
// Output never exceeds MaxChars. Untrusted document text always lands in
// the returned user-role block, never in a system prompt.
func Format(ec EditorContext, opts Options) (string, error) {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.MaxChars < len(elisionMarker)+minContentBudget {
		return "", ErrTooLarge
	}

	if opts.RequireSelection && strings.TrimSpace(ec.Selection) == "" {
		return "", ErrEmptyInput
	}
	if ec.Empty() {
		return "", ErrEmptyInput
	}

	content := ec.Selection
	if strings.TrimSpace(content) == "" {
		content = windowLines(ec.Document, ec.CursorLine, opts.MaxContextLines)
	}

	var header strings.Builder
	if ec.Filename != "" {
		fmt.Fprintf(&header, "File: %s\n", ec.Filename)
	}
	if guideline, ok := Guideline(ec.Language); ok && ec.LanguageConfidence > ConfidenceThreshold {
		fmt.Fprintf(&header, "Language: %s (%s)\n", ec.Language, guideline)
	}
	if opts.IncludeImports {
		if imports := extractImports(ec.Language, ec.Document); imports != "" {
			fmt.Fprintf(&header, "Imports:\n%s\n", imports)
		}
	}

	var footer string
	if opts.IncludeStats {
		footer = fmt.Sprintf("\n(%d words, %d paragraphs)", wordCount(content), paragraphCount(content))
	}

	fenceOpen, fenceClose := "", ""
	if opts.FenceCode {
		tag := ""
		if ec.LanguageConfidence > ConfidenceThreshold {
			tag = fenceTag(ec.Language)
		}
		fenceOpen = "```" + tag + "\n"
		fenceClose = "\n```"
	}

	// Only the content block is elided; header, fence and footer are small
	// and keeping them intact preserves the selection-adjacent framing.
	budget := opts.MaxChars - header.Len() - len(fenceOpen) - len(fenceClose) - len(footer)
	if budget < minContentBudget {
		return "", ErrTooLarge
	}
	content = TruncateMiddle(content, budget)

	return header.String() + fenceOpen + content + fenceClose + footer, nil
}

// windowLines returns up to maxLines lines centered on cursorLine (1-based).
// A zero or out-of-range cursor falls back to the head of the document.
func windowLines(doc string, cursorLine, maxLines int) string {
	if maxLines <= 0 {
		return doc
	}
	lines := strings.Split(doc, "\n")
	if len(lines) <= maxLines {
		return doc
	}

	center := cursorLine - 1
	if center < 0 || center >= len(lines) {
		center = 0
	}
	start := center - maxLines/2
	if start < 0 {
		start = 0
	}
	end := start + maxLines
	if end > len(lines) {
		end = len(lines)
		start = end - maxLines
	}
	return strings.Join(lines[start:end], "\n")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func paragraphCount(s string) int {
	count := 0
	for _, block := range strings.Split(s, "\n\n") {
		if strings.TrimSpace(block) != "" {
			count++
		}
	}
	return count
}
