// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders conversation transcripts for saving outside the
// process. Export is a convenience dump, not persistence: transcripts are
// sanitized copies with credentials and raw provider error detail stripped.
package export

import (
	"fmt"
	"time"

	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is the exportable view of one conversation.
type Transcript struct {
	ID        string           `json:"id"`
	ProfileID string           `json:"profile_id"`
	State     string           `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Turns     []TranscriptTurn `json:"turns"`
}

// TranscriptTurn is one sanitized turn.
type TranscriptTurn struct {
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	Usage     *model.Usage `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// FromConversation builds a transcript from a conversation snapshot. Turn
// content is copied verbatim; anything secret-bearing (keys, raw provider
// errors) never enters turn history in the first place, so the copy is
// already clean.
func FromConversation(c *model.Conversation) *Transcript {
	t := &Transcript{
		ID:        c.ID,
		ProfileID: c.ProfileID,
		State:     c.State.String(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Turns:     make([]TranscriptTurn, 0, len(c.Turns)),
	}
	for _, turn := range c.Turns {
		t.Turns = append(t.Turns, TranscriptTurn{
			Role:      string(turn.Role),
			Content:   turn.Content,
			Usage:     turn.Usage,
			CreatedAt: turn.CreatedAt,
		})
	}
	return t
}

// =============================================================================
// EXPORTERS
// =============================================================================

// Exporter renders a transcript into one output format.
type Exporter interface {
	// Export renders the transcript.
	Export(t *Transcript) ([]byte, error)
	// Extension returns the file extension without the dot.
	Extension() string
}

// ForFormat returns the exporter for a format name.
func ForFormat(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONExporter{Indent: true}, nil
	case "markdown", "md":
		return &MarkdownExporter{}, nil
	}
	return nil, fmt.Errorf("export: unknown format %q", format)
}

// WriteFile renders the transcript and writes it atomically. The filename
// is derived from the conversation ID and sanitized.
func WriteFile(dir string, t *Transcript, e Exporter) (string, error) {
	data, err := e.Export(t)
	if err != nil {
		return "", err
	}
	name := util.SanitizeFilename(fmt.Sprintf("%s-%s.%s", t.ProfileID, t.ID, e.Extension()))
	path := dir + "/" + name
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return path, nil
}
