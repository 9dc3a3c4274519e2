// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextfmt

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormat_SelectionIsPrimary(t *testing.T) {
	ec := EditorContext{
		Selection: "def f(): pass",
		Document:  "# a much longer document\ndef f(): pass\nprint(f())",
		Language:  "python",
	}
	out, err := Format(ec, Options{MaxChars: 1000})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !strings.Contains(out, "def f(): pass") {
		t.Error("Expected selection in output")
	}
	if strings.Contains(out, "print(f())") {
		t.Error("Expected document to be ignored when a selection exists")
	}
}

func TestFormat_CursorWindowFallback(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, "line")
	}
	lines[49] = "cursor line here"
	ec := EditorContext{
		Document:   strings.Join(lines, "\n"),
		CursorLine: 50,
	}
	out, err := Format(ec, Options{MaxContextLines: 10, MaxChars: 10000})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !strings.Contains(out, "cursor line here") {
		t.Error("Expected window to contain the cursor line")
	}
	if got := strings.Count(out, "\n") + 1; got > 12 {
		t.Errorf("Expected window bounded near 10 lines, got %d", got)
	}
}

func TestFormat_RequireSelection(t *testing.T) {
	ec := EditorContext{Document: "some document text"}
	_, err := Format(ec, Options{RequireSelection: true, MaxChars: 1000})
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

func TestFormat_EmptyEverything(t *testing.T) {
	_, err := Format(EditorContext{}, Options{MaxChars: 1000})
	if !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

func TestFormat_LanguageGuidanceGatedByConfidence(t *testing.T) {
	ec := EditorContext{
		Selection:          "x = 1",
		Language:           "python",
		LanguageConfidence: 0.9,
	}
	out, err := Format(ec, Options{MaxChars: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Language: python") {
		t.Error("Expected language guidance at high confidence")
	}

	ec.LanguageConfidence = 0.3
	out, err = Format(ec, Options{MaxChars: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Language:") {
		t.Error("Expected no language guidance below the confidence threshold")
	}
}

func TestFormat_CodeFence(t *testing.T) {
	ec := EditorContext{
		Selection:          "func main() {}",
		Language:           "go",
		LanguageConfidence: 0.8,
	}
	out, err := Format(ec, Options{FenceCode: true, MaxChars: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "```go\nfunc main() {}\n```") {
		t.Errorf("Expected language-tagged fence, got:\n%s", out)
	}
}

func TestFormat_FenceWithoutConfidentLanguage(t *testing.T) {
	ec := EditorContext{Selection: "stuff", Language: "go", LanguageConfidence: 0.2}
	out, err := Format(ec, Options{FenceCode: true, MaxChars: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "```\n") {
		t.Errorf("Expected untagged fence at low confidence, got:\n%s", out)
	}
}

func TestFormat_Deterministic(t *testing.T) {
	// An oversized document must format byte-identically on repeat calls.
	ec := EditorContext{
		Selection:          strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500),
		Language:           "markdown",
		LanguageConfidence: 0.7,
		Filename:           "essay.md",
	}
	opts := Options{MaxChars: 2000, IncludeStats: true}

	first, err := Format(ec, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Format(ec, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("Expected byte-identical output for identical input")
	}
	if len(first) > 2000 {
		t.Errorf("Expected output within budget, got %d chars", len(first))
	}
	if !strings.Contains(first, elisionMarker) {
		t.Error("Expected elision marker in truncated output")
	}
}

func TestFormat_Stats(t *testing.T) {
	ec := EditorContext{Selection: "one two three\n\nfour five"}
	out, err := Format(ec, Options{MaxChars: 1000, IncludeStats: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "(5 words, 2 paragraphs)") {
		t.Errorf("Expected stats footer, got:\n%s", out)
	}
}

func TestFormat_Imports(t *testing.T) {
	ec := EditorContext{
		Selection:          "x = load()",
		Document:           "import os\nfrom json import dumps\n\nx = load()\n",
		Language:           "python",
		LanguageConfidence: 0.9,
	}
	out, err := Format(ec, Options{MaxChars: 1000, IncludeImports: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "import os") || !strings.Contains(out, "from json import dumps") {
		t.Errorf("Expected import section, got:\n%s", out)
	}
}

func TestFormat_BudgetTooSmall(t *testing.T) {
	ec := EditorContext{Selection: "content"}
	_, err := Format(ec, Options{MaxChars: 10})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", err)
	}
}

func TestTruncateMiddle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
	}{
		{"within budget", "short", 100},
		{"exactly at budget", strings.Repeat("a", 100), 100},
		{"over budget", strings.Repeat("a", 500) + strings.Repeat("z", 500), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := TruncateMiddle(tt.in, tt.max)
			if len(out) > tt.max {
				t.Errorf("Expected <= %d bytes, got %d", tt.max, len(out))
			}
			if len(tt.in) <= tt.max && out != tt.in {
				t.Error("Expected content within budget to pass through unchanged")
			}
		})
	}
}

func TestTruncateMiddle_KeepsHeadAndTail(t *testing.T) {
	in := "HEAD" + strings.Repeat("m", 1000) + "TAIL"
	out := TruncateMiddle(in, 200)

	if !strings.HasPrefix(out, "HEAD") {
		t.Error("Expected head preserved")
	}
	if !strings.HasSuffix(out, "TAIL") {
		t.Error("Expected tail preserved")
	}
	if !strings.Contains(out, elisionMarker) {
		t.Error("Expected elision marker")
	}
	if TruncateMiddle(in, 200) != out {
		t.Error("Expected deterministic truncation")
	}
}

func TestTruncateMiddle_MultibyteBoundaries(t *testing.T) {
	in := strings.Repeat("日本語テキスト", 200)
	for _, max := range []int{10, 50, 100, 333, 1000} {
		out := TruncateMiddle(in, max)
		if len(out) > max {
			t.Errorf("max=%d: got %d bytes", max, len(out))
		}
		if !utf8.ValidString(out) {
			t.Errorf("max=%d: cut split a rune: %q", max, out)
		}
		if TruncateMiddle(in, max) != out {
			t.Errorf("max=%d: truncation not deterministic", max)
		}
	}
}

func TestGuideline(t *testing.T) {
	if _, ok := Guideline("Go"); !ok {
		t.Error("Expected guideline for go (case-insensitive)")
	}
	if _, ok := Guideline("klingon"); ok {
		t.Error("Expected no guideline for unknown language")
	}
}
