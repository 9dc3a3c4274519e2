// quill - editor-embedded LLM chat assistance with a standalone terminal menu.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/agent"
	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/cache"
	"github.com/jeranaias/quill/internal/cli"
	"github.com/jeranaias/quill/internal/config"
	"github.com/jeranaias/quill/internal/credentials"
	"github.com/jeranaias/quill/internal/logging"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error); overrides config")
	envFile := flag.String("env-file", "", "optional .env file with API keys")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quill %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *logLevel, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel, envFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	// Config reloads swap this pointer from the watcher goroutine while
	// the resolver and CLI read it, so the handoff is atomic.
	var cfgPtr atomic.Pointer[config.Config]
	cfgPtr.Store(cfg)
	currentConfig := cfgPtr.Load

	store := credentials.NewFileSecretStore(filepath.Join(filepath.Dir(configPath), "secrets.json"))

	resolverOpts := []credentials.Option{credentials.WithLogger(logger)}
	if envFile != "" {
		resolverOpts = append(resolverOpts, credentials.WithEnvFile(envFile))
	}
	resolver := credentials.NewResolver(store, currentConfig, resolverOpts...)
	defer resolver.Close()

	client := api.NewClient(api.WithLogger(logger))

	respCache := cache.New(
		cfg.Performance.Cache.MaxEntries,
		int64(cfg.Performance.Cache.MaxMemoryMB)*1024*1024,
		time.Duration(cfg.Performance.Cache.TTLSeconds)*time.Second,
	)

	manager := agent.NewManager(client, resolver, respCache, agent.BuildProfiles(cfg), logger)
	defer manager.Close()

	// Watch the config file so profile edits apply to new conversations
	// without a restart.
	debounce := time.Duration(cfg.Performance.DebounceMs) * time.Millisecond
	watcher, err := config.NewWatcher(configPath, debounce, func(updated *config.Config) {
		cfgPtr.Store(updated)
		manager.SetProfiles(agent.BuildProfiles(updated))
	}, logger)
	if err != nil {
		logger.Warn("config watching disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.NewApp(currentConfig, configPath, manager, resolver, store, logger)
	defer app.Close()

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
