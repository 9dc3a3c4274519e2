// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package host defines the surface an editor exposes to the assistant.
// The library consumes this interface; real editor plugins implement it
// against their own buffer APIs. A terminal-backed implementation backs
// the standalone CLI.
package host

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/quill/internal/contextfmt"
)

// =============================================================================
// EDITOR INTERFACE
// =============================================================================

// Editor is the host editor surface. All methods are synchronous; the
// editor owns any thread marshalling to its UI.
type Editor interface {
	// GetSelection returns the current selection, or "" when none.
	GetSelection() string
	// GetDocumentWindow returns up to maxLines lines around the cursor
	// and the cursor's line offset within that window.
	GetDocumentWindow(maxLines int) (text string, cursorLine int)
	// GetLanguageTag returns the buffer's language tag ("go", "python",
	// ...) and the editor's confidence in it, 0 to 1.
	GetLanguageTag() (tag string, confidence float64)
	// GetFilename returns the buffer's display name, or "" for unsaved.
	GetFilename() string

	// ReplaceSelection replaces the current selection with text.
	ReplaceSelection(text string) error
	// InsertAtCursor inserts text at the cursor position.
	InsertAtCursor(text string) error

	// ShowMessage displays a non-blocking informational message.
	ShowMessage(msg string)
	// Confirm asks a yes/no question and blocks for the answer.
	Confirm(prompt string) bool
}

// Snapshot captures the editor's current state into the formatter's
// input structure.
func Snapshot(ed Editor, maxLines int) contextfmt.EditorContext {
	doc, cursor := ed.GetDocumentWindow(maxLines)
	tag, confidence := ed.GetLanguageTag()
	return contextfmt.EditorContext{
		Selection:          ed.GetSelection(),
		Document:           doc,
		Filename:           ed.GetFilename(),
		Language:           tag,
		LanguageConfidence: confidence,
		CursorLine:         cursor,
	}
}

// Apply delivers a response to the editor: replacing the selection when
// the profile asks for it and a selection exists, inserting at the
// cursor otherwise.
func Apply(ed Editor, text string, replaceSelection bool) error {
	if replaceSelection && ed.GetSelection() != "" {
		return ed.ReplaceSelection(text)
	}
	return ed.InsertAtCursor(text)
}

// =============================================================================
// TERMINAL EDITOR
// =============================================================================

// Terminal implements Editor over plain stdio for the standalone CLI.
// The "selection" is whatever text the user pasted for this session;
// replace and insert both print to the output stream.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	selection string
	language  string
	filename  string
}

// NewTerminal returns a terminal editor reading from in and writing to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{In: in, Out: out}
}

// SetSelection records the pasted text acting as the session's selection.
func (t *Terminal) SetSelection(text, language, filename string) {
	t.selection = text
	t.language = language
	t.filename = filename
}

func (t *Terminal) GetSelection() string { return t.selection }

func (t *Terminal) GetDocumentWindow(maxLines int) (string, int) {
	// No backing document on a terminal; the selection is all there is.
	return t.selection, 0
}

func (t *Terminal) GetLanguageTag() (string, float64) {
	if t.language == "" {
		return "", 0
	}
	// User-declared, so trust it.
	return t.language, 1.0
}

func (t *Terminal) GetFilename() string { return t.filename }

func (t *Terminal) ReplaceSelection(text string) error {
	t.selection = text
	_, err := fmt.Fprintf(t.Out, "\n--- replaced selection ---\n%s\n", text)
	return err
}

func (t *Terminal) InsertAtCursor(text string) error {
	_, err := fmt.Fprintf(t.Out, "\n%s\n", text)
	return err
}

func (t *Terminal) ShowMessage(msg string) {
	fmt.Fprintln(t.Out, msg)
}

func (t *Terminal) Confirm(prompt string) bool {
	fmt.Fprintf(t.Out, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(t.In)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
