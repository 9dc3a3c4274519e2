// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"github.com/jeranaias/quill/internal/config"
	"github.com/jeranaias/quill/internal/contextfmt"
)

// =============================================================================
// AGENT PROFILES
// =============================================================================

// Profile is a read-only bundle of prompt and formatting parameters. The
// two shipped profiles differ purely in data; all behavior lives in the
// formatter and the manager. A conversation snapshots its profile at start
// and never sees later reloads.
type Profile struct {
	ID           string
	Name         string
	SystemPrompt string

	MaxContextLines int
	MaxChars        int
	MaxTurns        int
	// MaxIterations bounds refinement loops driven by the front-end.
	MaxIterations int

	RequireSelection bool
	FenceCode        bool
	IncludeImports   bool
	IncludeStats     bool
	// ReplaceSelection tells the host to replace the selection with the
	// response instead of inserting at the cursor.
	ReplaceSelection bool
}

// FormatOptions derives the context formatter options for this profile.
func (p *Profile) FormatOptions() contextfmt.Options {
	return contextfmt.Options{
		MaxContextLines:  p.MaxContextLines,
		MaxChars:         p.MaxChars,
		RequireSelection: p.RequireSelection,
		FenceCode:        p.FenceCode,
		IncludeImports:   p.IncludeImports,
		IncludeStats:     p.IncludeStats,
	}
}

const codeAssistantPrompt = `You are an expert coding assistant embedded in a text editor.
You help with the code the user has selected or is working near.
Be concise and direct. Prefer showing corrected or improved code over
long explanations. Preserve the surrounding style and indentation.
When you return code, return only the code that should replace or follow
the user's selection, without commentary fences around the answer.`

const copywriterPrompt = `You are a professional copywriter and editor embedded in a text editor.
You improve the text the user has selected: clarity, tone, grammar and
flow. Preserve the author's voice and the original meaning.
Return only the revised text, with no preamble or commentary.`

// builtinProfiles returns the two shipped profiles with their defaults.
func builtinProfiles() map[string]*Profile {
	return map[string]*Profile{
		"code_assistant": {
			ID:              "code_assistant",
			Name:            "Code Assistant",
			SystemPrompt:    codeAssistantPrompt,
			MaxContextLines: 200,
			MaxChars:        contextfmt.DefaultMaxChars,
			MaxTurns:        10,
			MaxIterations:   3,
			FenceCode:       true,
			IncludeImports:  true,
		},
		"copywriter": {
			ID:               "copywriter",
			Name:             "Copywriter",
			SystemPrompt:     copywriterPrompt,
			MaxContextLines:  100,
			MaxChars:         contextfmt.DefaultMaxChars,
			MaxTurns:         5,
			MaxIterations:    2,
			RequireSelection: true,
			IncludeStats:     true,
			ReplaceSelection: true,
		},
	}
}

// BuildProfiles merges the config's agent sections over the built-in
// profile defaults. Disabled profiles are omitted.
func BuildProfiles(cfg *config.Config) map[string]*Profile {
	profiles := builtinProfiles()

	for id, p := range profiles {
		ac, ok := cfg.Agents[id]
		if !ok {
			continue
		}
		if ac.Enabled != nil && !*ac.Enabled {
			delete(profiles, id)
			continue
		}
		if ac.SystemPrompt != "" {
			p.SystemPrompt = ac.SystemPrompt
		}
		if ac.MaxContextLines > 0 {
			p.MaxContextLines = ac.MaxContextLines
		}
		if ac.MaxIterations > 0 {
			p.MaxIterations = ac.MaxIterations
		}
		if ac.MaxTurns > 0 {
			p.MaxTurns = ac.MaxTurns
		}
		if ac.ReplaceSelection != nil {
			p.ReplaceSelection = *ac.ReplaceSelection
		}
	}
	return profiles
}
