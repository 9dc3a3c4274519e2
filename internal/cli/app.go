// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the standalone terminal front-end: a small menu over the
// conversation manager for use outside an editor host.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/agent"
	"github.com/jeranaias/quill/internal/config"
	"github.com/jeranaias/quill/internal/credentials"
	"github.com/jeranaias/quill/internal/export"
	"github.com/jeranaias/quill/internal/host"
	"github.com/jeranaias/quill/internal/logging"
	"github.com/jeranaias/quill/internal/model"
)

// App wires the interactive menu to the conversation manager.
type App struct {
	// cfg returns the current config; hot reloads swap the pointer
	// behind it, so every read goes through the accessor.
	cfg        func() *config.Config
	configPath string
	manager    *agent.Manager
	resolver   *credentials.Resolver
	store      credentials.SecretStore
	input      *Input
	term       *host.Terminal
	logger     *zap.Logger
}

// NewApp builds the CLI front-end. cfg is the live config accessor shared
// with the resolver. Close the returned app when done.
func NewApp(cfg func() *config.Config, configPath string, manager *agent.Manager, resolver *credentials.Resolver, store credentials.SecretStore, logger *zap.Logger) *App {
	if logger == nil {
		logger = logging.Nop()
	}
	return &App{
		cfg:        cfg,
		configPath: configPath,
		manager:    manager,
		resolver:   resolver,
		store:      store,
		input:      NewInput(configPath),
		term:       host.NewTerminal(os.Stdin, os.Stdout),
		logger:     logger,
	}
}

// config returns the current configuration snapshot.
func (a *App) config() *config.Config {
	return a.cfg()
}

// Close releases the terminal and persists input history.
func (a *App) Close() {
	a.input.Close()
}

// Run drives the main menu until the user quits or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fmt.Println()
		fmt.Println("quill")
		fmt.Println("  1) Code Assistant")
		fmt.Println("  2) Copywriter")
		fmt.Println("  3) Settings")
		fmt.Println("  4) Test connection")
		fmt.Println("  q) Quit")

		choice, err := a.input.Read("> ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				return nil
			}
			return err
		}

		switch strings.TrimSpace(choice) {
		case "1":
			a.runAgent(ctx, "code_assistant")
		case "2":
			a.runAgent(ctx, "copywriter")
		case "3":
			a.settings()
		case "4":
			a.testConnection(ctx)
		case "q", "quit", "exit":
			return nil
		case "":
		default:
			fmt.Println("Unknown choice.")
		}
	}
}

// =============================================================================
// AGENT SESSION
// =============================================================================

func (a *App) runAgent(ctx context.Context, profileID string) {
	profile, ok := a.manager.Profile(profileID)
	if !ok {
		fmt.Printf("Profile %s is disabled.\n", profileID)
		return
	}

	fmt.Printf("\n%s — paste your text, end with a single '.' on its own line.\n", profile.Name)
	selection, err := a.input.ReadBlock("| ")
	if err != nil {
		return
	}

	language := ""
	if profileID == "code_assistant" && selection != "" {
		language, err = a.input.Read("Language tag (blank to skip): ")
		if err != nil {
			return
		}
		language = strings.TrimSpace(language)
	}
	a.term.SetSelection(selection, language, "")

	id, err := a.manager.Start(profileID, host.Snapshot(a.term, profile.MaxContextLines))
	if err != nil {
		fmt.Println(agent.UserMessage(err))
		return
	}
	defer a.manager.End(id)

	fmt.Println("Conversation started. /export saves a transcript, /quit ends it.")
	for {
		msg, err := a.input.Read(fmt.Sprintf("%s> ", profileID))
		if err != nil {
			return
		}
		msg = strings.TrimSpace(msg)
		switch {
		case msg == "":
			continue
		case msg == "/quit" || msg == "/q":
			return
		case msg == "/export":
			a.exportTranscript(id)
			continue
		}

		turn, err := a.continueStreaming(ctx, id, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("\n(cancelled)")
				continue
			}
			fmt.Println(agent.UserMessage(err))
			continue
		}
		fmt.Println()

		if profile.ReplaceSelection && a.term.GetSelection() != "" {
			if a.term.Confirm("Replace your text with the response?") {
				if err := host.Apply(a.term, turn.Content, true); err != nil {
					fmt.Println("Apply failed:", err)
				}
			}
		}
	}
}

// continueStreaming runs one streamed turn, printing chunks as they
// arrive. A chunked response that hits the cache prints whole.
func (a *App) continueStreaming(ctx context.Context, id, msg string) (*model.Turn, error) {
	streamed := false
	turn, err := a.manager.Continue(ctx, id, msg, agent.ContinueOptions{
		Stream: true,
		Callbacks: agent.Callbacks{
			OnThinkingStart: func(string) { fmt.Print("thinking...\r") },
			OnChunk: func(_, delta string) {
				if !streamed {
					fmt.Print("           \r")
					streamed = true
				}
				fmt.Print(delta)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if !streamed {
		fmt.Print(turn.Content)
	}
	return turn, nil
}

func (a *App) exportTranscript(id string) {
	tr, err := a.manager.Export(id)
	if err != nil {
		fmt.Println(agent.UserMessage(err))
		return
	}
	exporter, _ := export.ForFormat("markdown")
	path, err := export.WriteFile(".", tr, exporter)
	if err != nil {
		fmt.Println("Export failed:", err)
		return
	}
	fmt.Println("Wrote", path)
}

func (a *App) testConnection(ctx context.Context) {
	fmt.Println("Testing", a.config().API.PrimaryProvider, "...")
	if err := a.manager.TestConnection(ctx); err != nil {
		fmt.Println(agent.UserMessage(err))
		return
	}
	fmt.Println("Connection OK.")
}

// =============================================================================
// SETTINGS
// =============================================================================

func (a *App) settings() {
	for {
		fmt.Println()
		fmt.Println(a.config().String())
		fmt.Println("  1) Set primary provider")
		fmt.Println("  2) Set model")
		fmt.Println("  3) Set API key")
		fmt.Println("  b) Back")

		choice, err := a.input.Read("settings> ")
		if err != nil {
			return
		}
		switch strings.TrimSpace(choice) {
		case "1":
			a.setPrimaryProvider()
		case "2":
			a.setModel()
		case "3":
			a.setAPIKey()
		case "b", "back", "":
			return
		default:
			fmt.Println("Unknown choice.")
		}
	}
}

func (a *App) readProvider(prompt string) (credentials.Provider, bool) {
	names := make([]string, 0, len(credentials.Providers()))
	for _, p := range credentials.Providers() {
		names = append(names, p.String())
	}
	raw, err := a.input.Read(fmt.Sprintf("%s (%s): ", prompt, strings.Join(names, "/")))
	if err != nil {
		return 0, false
	}
	p, err := credentials.ParseProvider(strings.TrimSpace(raw))
	if err != nil {
		fmt.Println(err)
		return 0, false
	}
	return p, true
}

func (a *App) setPrimaryProvider() {
	p, ok := a.readProvider("Provider")
	if !ok {
		return
	}
	// Edits go to a copy; the saved file flows back through the watcher.
	updated := *a.config()
	updated.API.PrimaryProvider = p.String()
	a.saveConfig(&updated)
}

func (a *App) setModel() {
	p, ok := a.readProvider("Provider")
	if !ok {
		return
	}
	name, err := a.input.Read("Model: ")
	if err != nil || strings.TrimSpace(name) == "" {
		return
	}
	name = strings.TrimSpace(name)
	updated := *a.config()
	switch p {
	case credentials.DeepSeek:
		updated.API.DeepSeek.Model = name
	case credentials.OpenAI:
		updated.API.OpenAI.Model = name
	case credentials.Custom:
		updated.API.Custom.Model = name
	}
	a.saveConfig(&updated)
}

func (a *App) setAPIKey() {
	p, ok := a.readProvider("Provider")
	if !ok {
		return
	}
	key, err := a.input.ReadSecret("API key (input hidden): ")
	if err != nil {
		return
	}
	key = strings.TrimSpace(key)
	if err := credentials.ValidateKeyFormat(key); err != nil {
		fmt.Println(err)
		return
	}
	if err := a.store.Set(p.String(), key); err != nil {
		fmt.Println("Failed to store key:", err)
		return
	}
	a.resolver.Invalidate(p)
	fmt.Println("Key stored for", p)
}

func (a *App) saveConfig(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid configuration:", err)
		return
	}
	if err := cfg.Save(a.configPath); err != nil {
		fmt.Println("Failed to save config:", err)
		return
	}
	fmt.Println("Saved", a.configPath)
}
