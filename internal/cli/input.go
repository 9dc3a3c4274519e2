// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// =============================================================================
// LINE INPUT
// =============================================================================

// Input provides line editing and input history for the interactive menu.
type Input struct {
	line        *liner.State
	historyFile string
}

// NewInput creates a liner-backed input with persistent history next to
// the config file.
func NewInput(configPath string) *Input {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir := filepath.Dir(configPath)
	if dir == "" || dir == "." {
		dir = os.TempDir()
	}
	in := &Input{
		line:        line,
		historyFile: filepath.Join(dir, "input_history"),
	}
	in.loadHistory()
	return in
}

func (in *Input) loadHistory() {
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
}

// Read reads one line with history support. Non-empty input is appended
// to history.
func (in *Input) Read(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// ReadSecret reads one line without echo or history. Used for API keys.
func (in *Input) ReadSecret(prompt string) (string, error) {
	return in.line.PasswordPrompt(prompt)
}

// ReadBlock reads lines until a lone "." terminator or EOF. Used to
// paste a multi-line selection into the terminal session.
func (in *Input) ReadBlock(prompt string) (string, error) {
	var lines []string
	for {
		line, err := in.line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				return "", err
			}
			break
		}
		if line == "." {
			break
		}
		lines = append(lines, line)
		prompt = "... "
	}
	return strings.Join(lines, "\n"), nil
}

// Close saves history and releases the terminal.
func (in *Input) Close() {
	if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		in.line.WriteHistory(f)
		f.Close()
	}
	in.line.Close()
}
