// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextfmt

import "strings"

// ConfidenceThreshold gates language-specific guidance. Below it the
// detector's tag is treated as noise and omitted entirely.
const ConfidenceThreshold = 0.5

// guidelines is a fixed lookup table of one-line, per-language hints
// embedded next to the context so the model matches local conventions.
var guidelines = map[string]string{
	"python":     "follow PEP 8, prefer explicit over implicit",
	"go":         "follow Effective Go, return errors rather than panicking",
	"javascript": "prefer const/let, avoid var",
	"typescript": "keep types explicit at public boundaries",
	"c":          "check allocation results, avoid undefined behavior",
	"cpp":        "prefer RAII and the standard library",
	"java":       "follow standard naming conventions, prefer immutability",
	"rust":       "prefer iterators and pattern matching, avoid unwrap in libraries",
	"ruby":       "follow community style, prefer small methods",
	"php":        "follow PSR-12, validate external input",
	"shell":      "quote variables, use set -euo pipefail semantics",
	"html":       "keep markup semantic and accessible",
	"css":        "prefer classes over deep selectors",
	"sql":        "use explicit column lists, avoid SELECT *",
	"markdown":   "keep heading levels consistent",
}

// fenceTags maps detector tags onto code-fence info strings where they
// differ from the tag itself.
var fenceTags = map[string]string{
	"cpp":   "c++",
	"shell": "sh",
}

// Guideline returns the fixed guidance string for a language tag.
func Guideline(language string) (string, bool) {
	g, ok := guidelines[normalizeTag(language)]
	return g, ok
}

// fenceTag returns the info string used on a code fence for the tag.
func fenceTag(language string) string {
	tag := normalizeTag(language)
	if mapped, ok := fenceTags[tag]; ok {
		return mapped
	}
	return tag
}

func normalizeTag(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// extractImports pulls the import/include lines out of a document for the
// handful of languages where that is a cheap prefix scan. Returns at most
// maxImportLines lines, preserving document order.
const maxImportLines = 20

func extractImports(language, doc string) string {
	var prefixes []string
	switch normalizeTag(language) {
	case "python":
		prefixes = []string{"import ", "from "}
	case "go":
		prefixes = []string{"import "}
	case "javascript", "typescript":
		prefixes = []string{"import ", "const ", "require("}
	case "c", "cpp":
		prefixes = []string{"#include"}
	case "java":
		prefixes = []string{"import "}
	case "rust":
		prefixes = []string{"use "}
	default:
		return ""
	}

	var out []string
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) || strings.HasPrefix(trimmed, strings.TrimSpace(p)) {
				// The javascript "const" prefix only counts for requires.
				if strings.HasPrefix(trimmed, "const ") && !strings.Contains(trimmed, "require(") {
					break
				}
				out = append(out, trimmed)
				break
			}
		}
		if len(out) >= maxImportLines {
			break
		}
	}
	return strings.Join(out, "\n")
}
