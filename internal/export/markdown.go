// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
)

// MarkdownExporter renders a transcript as a readable Markdown document
// with one section per turn.
type MarkdownExporter struct{}

// Export implements Exporter.
func (e *MarkdownExporter) Export(t *Transcript) ([]byte, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Conversation %s\n\n", t.ID)
	fmt.Fprintf(&sb, "- Profile: %s\n", t.ProfileID)
	fmt.Fprintf(&sb, "- State: %s\n", t.State)
	fmt.Fprintf(&sb, "- Started: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "- Updated: %s\n\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, turn := range t.Turns {
		fmt.Fprintf(&sb, "## %s\n\n", turnHeading(turn.Role))
		sb.WriteString(turn.Content)
		sb.WriteString("\n\n")
		if turn.Usage != nil && !turn.Usage.IsZero() {
			fmt.Fprintf(&sb, "_%d prompt + %d completion = %d tokens_\n\n",
				turn.Usage.PromptTokens, turn.Usage.CompletionTokens, turn.Usage.TotalTokens)
		}
	}

	return []byte(sb.String()), nil
}

// Extension implements Exporter.
func (e *MarkdownExporter) Extension() string { return "md" }

func turnHeading(role string) string {
	switch role {
	case "system":
		return "System"
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	}
	return role
}
