// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates and persists the quill configuration file.
//
// The canonical on-disk format is JSON; TOML is also accepted on load for
// hand-edited files. Unknown keys in a JSON file survive a rewrite: Save
// merges the recognized fields over the raw document rather than replacing
// it wholesale.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the root configuration document.
type Config struct {
	API         APIConfig              `json:"api" toml:"api"`
	Agents      map[string]AgentConfig `json:"agents" toml:"agents"`
	Performance PerformanceConfig      `json:"performance" toml:"performance"`
	Logging     LoggingConfig          `json:"logging" toml:"logging"`

	// raw holds the full decoded JSON document so unknown keys are
	// preserved when the file is rewritten.
	raw map[string]any

	// path the config was loaded from; used by Save when no path is given.
	path string
}

// APIConfig selects the active provider and holds per-provider settings.
type APIConfig struct {
	PrimaryProvider string           `json:"primary_provider" toml:"primary_provider"`
	DeepSeek        ProviderSettings `json:"deepseek" toml:"deepseek"`
	OpenAI          ProviderSettings `json:"openai" toml:"openai"`
	Custom          ProviderSettings `json:"custom" toml:"custom"`
}

// ProviderSettings configures one OpenAI-compatible endpoint.
type ProviderSettings struct {
	BaseURL     string  `json:"base_url" toml:"base_url"`
	Model       string  `json:"model" toml:"model"`
	Temperature float64 `json:"temperature" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens" toml:"max_tokens"`
	// Timeout for non-streaming requests, in seconds.
	Timeout int `json:"timeout" toml:"timeout"`
	// APIKey is the plaintext fallback, lowest priority in credential
	// resolution. Prefer the secret store or environment variables.
	APIKey string `json:"api_key,omitempty" toml:"api_key"`
}

// AgentConfig tunes one agent profile. Zero values fall back to the
// profile's built-in defaults.
type AgentConfig struct {
	Enabled          *bool  `json:"enabled,omitempty" toml:"enabled"`
	SystemPrompt     string `json:"system_prompt,omitempty" toml:"system_prompt"`
	MaxContextLines  int    `json:"max_context_lines,omitempty" toml:"max_context_lines"`
	MaxIterations    int    `json:"max_iterations,omitempty" toml:"max_iterations"`
	MaxTurns         int    `json:"max_conversation_turns,omitempty" toml:"max_conversation_turns"`
	ReplaceSelection *bool  `json:"replace_selection,omitempty" toml:"replace_selection"`
}

// PerformanceConfig groups cache sizing and UI debounce.
type PerformanceConfig struct {
	Cache CacheConfig `json:"cache" toml:"cache"`
	// DebounceMs delays reacting to rapid successive events (config file
	// saves, repeated submissions).
	DebounceMs int `json:"debounce_ms" toml:"debounce_ms"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxEntries  int `json:"max_entries" toml:"max_entries"`
	MaxMemoryMB int `json:"max_memory_mb" toml:"max_memory_mb"`
	TTLSeconds  int `json:"ttl_seconds" toml:"ttl_seconds"`
}

// LoggingConfig controls the front-end logger.
type LoggingConfig struct {
	Level string `json:"level" toml:"level"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the documented default configuration.
func Default() *Config {
	enabled := true
	replace := true
	return &Config{
		API: APIConfig{
			PrimaryProvider: "deepseek",
			DeepSeek: ProviderSettings{
				BaseURL:     "https://api.deepseek.com",
				Model:       "deepseek-chat",
				Temperature: 0.1,
				MaxTokens:   2048,
				Timeout:     30,
			},
			OpenAI: ProviderSettings{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.1,
				MaxTokens:   2048,
				Timeout:     30,
			},
			Custom: ProviderSettings{
				BaseURL:     "http://localhost:11434/v1",
				Model:       "llama3.2",
				Temperature: 0.1,
				MaxTokens:   2048,
				Timeout:     30,
				APIKey:      "ollama",
			},
		},
		Agents: map[string]AgentConfig{
			"code_assistant": {
				Enabled:         &enabled,
				MaxContextLines: 200,
				MaxIterations:   3,
				MaxTurns:        10,
			},
			"copywriter": {
				Enabled:          &enabled,
				MaxContextLines:  100,
				MaxIterations:    2,
				MaxTurns:         5,
				ReplaceSelection: &replace,
			},
		},
		Performance: PerformanceConfig{
			Cache: CacheConfig{
				MaxEntries:  100,
				MaxMemoryMB: 50,
				TTLSeconds:  3600,
			},
			DebounceMs: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quill.json"
	}
	return filepath.Join(home, ".config", "quill", "config.json")
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file at path. A missing file yields the defaults
// (not an error) so first runs work without setup. TOML files are detected
// by extension; everything else is parsed as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		// Keep the raw document for unknown-key preservation on Save.
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err == nil {
			cfg.raw = raw
		}
	}

	cfg.fillDefaults()
	if err := ensureSecurePermissions(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults replaces zero values with the documented defaults so a
// sparse file still produces a complete config.
func (c *Config) fillDefaults() {
	def := Default()

	if c.API.PrimaryProvider == "" {
		c.API.PrimaryProvider = def.API.PrimaryProvider
	}
	fillProvider(&c.API.DeepSeek, def.API.DeepSeek)
	fillProvider(&c.API.OpenAI, def.API.OpenAI)
	fillProvider(&c.API.Custom, def.API.Custom)

	if c.Agents == nil {
		c.Agents = map[string]AgentConfig{}
	}
	for id, defAgent := range def.Agents {
		agent, ok := c.Agents[id]
		if !ok {
			c.Agents[id] = defAgent
			continue
		}
		if agent.Enabled == nil {
			agent.Enabled = defAgent.Enabled
		}
		if agent.MaxContextLines == 0 {
			agent.MaxContextLines = defAgent.MaxContextLines
		}
		if agent.MaxIterations == 0 {
			agent.MaxIterations = defAgent.MaxIterations
		}
		if agent.MaxTurns == 0 {
			agent.MaxTurns = defAgent.MaxTurns
		}
		if agent.ReplaceSelection == nil {
			agent.ReplaceSelection = defAgent.ReplaceSelection
		}
		c.Agents[id] = agent
	}

	if c.Performance.Cache.MaxEntries == 0 {
		c.Performance.Cache.MaxEntries = def.Performance.Cache.MaxEntries
	}
	if c.Performance.Cache.MaxMemoryMB == 0 {
		c.Performance.Cache.MaxMemoryMB = def.Performance.Cache.MaxMemoryMB
	}
	if c.Performance.Cache.TTLSeconds == 0 {
		c.Performance.Cache.TTLSeconds = def.Performance.Cache.TTLSeconds
	}
	if c.Performance.DebounceMs == 0 {
		c.Performance.DebounceMs = def.Performance.DebounceMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

func fillProvider(p *ProviderSettings, def ProviderSettings) {
	if p.BaseURL == "" {
		p.BaseURL = def.BaseURL
	}
	if p.Model == "" {
		p.Model = def.Model
	}
	if p.Temperature == 0 {
		p.Temperature = def.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
	if p.APIKey == "" {
		p.APIKey = def.APIKey
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks field ranges. Returns the first problem found.
func (c *Config) Validate() error {
	switch c.API.PrimaryProvider {
	case "deepseek", "openai", "custom":
	default:
		return &ValidationError{"api.primary_provider", fmt.Sprintf("unknown provider %q", c.API.PrimaryProvider)}
	}

	for name, p := range map[string]ProviderSettings{
		"deepseek": c.API.DeepSeek,
		"openai":   c.API.OpenAI,
		"custom":   c.API.Custom,
	} {
		if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			return &ValidationError{"api." + name + ".base_url", "must be an http(s) URL"}
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return &ValidationError{"api." + name + ".temperature", "must be in [0, 2]"}
		}
		if p.MaxTokens < 1 {
			return &ValidationError{"api." + name + ".max_tokens", "must be positive"}
		}
		if p.Timeout < 1 {
			return &ValidationError{"api." + name + ".timeout", "must be positive"}
		}
	}

	if c.Performance.Cache.MaxEntries < 1 {
		return &ValidationError{"performance.cache.max_entries", "must be positive"}
	}
	if c.Performance.Cache.MaxMemoryMB < 1 {
		return &ValidationError{"performance.cache.max_memory_mb", "must be positive"}
	}
	if c.Performance.Cache.TTLSeconds < 1 {
		return &ValidationError{"performance.cache.ttl_seconds", "must be positive"}
	}
	if c.Performance.DebounceMs < 0 {
		return &ValidationError{"performance.debounce_ms", "must not be negative"}
	}
	return nil
}

// =============================================================================
// ENV OVERRIDES
// =============================================================================

// ApplyEnvOverrides lets a handful of QUILL_* variables override the file.
// Keys themselves are resolved separately (see the credentials package).
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("QUILL_PRIMARY_PROVIDER"); v != "" {
		c.API.PrimaryProvider = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUILL_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.Cache.TTLSeconds = n
		}
	}
	applyProviderEnv("DEEPSEEK", &c.API.DeepSeek)
	applyProviderEnv("OPENAI", &c.API.OpenAI)
	applyProviderEnv("CUSTOM", &c.API.Custom)
}

func applyProviderEnv(prefix string, p *ProviderSettings) {
	if v := os.Getenv("QUILL_" + prefix + "_BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv("QUILL_" + prefix + "_MODEL"); v != "" {
		p.Model = v
	}
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the config as JSON with owner-only permissions. Unknown keys
// from the loaded document are preserved: the recognized fields are merged
// over the raw document rather than replacing it.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		return fmt.Errorf("config: no save path")
	}

	known, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	var knownMap map[string]any
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return fmt.Errorf("failed to normalize config: %w", err)
	}

	doc := knownMap
	if c.raw != nil {
		doc = mergeMaps(c.raw, knownMap)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	c.raw = doc
	c.path = path
	return nil
}

// mergeMaps overlays src onto dst recursively, returning a new map. Values
// present in src win; keys only in dst survive untouched.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(existing, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ensureSecurePermissions tightens a config file that may hold a plaintext
// key to owner-only access.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix config permissions: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Provider returns the settings block for the named provider.
func (c *Config) Provider(name string) (ProviderSettings, bool) {
	switch name {
	case "deepseek":
		return c.API.DeepSeek, true
	case "openai":
		return c.API.OpenAI, true
	case "custom":
		return c.API.Custom, true
	}
	return ProviderSettings{}, false
}

// Primary returns the settings block for the primary provider.
func (c *Config) Primary() ProviderSettings {
	p, _ := c.Provider(c.API.PrimaryProvider)
	return p
}

// String renders the config for logs with the plaintext keys redacted.
func (c *Config) String() string {
	clone := *c
	clone.API.DeepSeek.APIKey = redact(clone.API.DeepSeek.APIKey)
	clone.API.OpenAI.APIKey = redact(clone.API.OpenAI.APIKey)
	clone.API.Custom.APIKey = redact(clone.API.Custom.APIKey)
	data, err := json.Marshal(&clone)
	if err != nil {
		return "config{unprintable}"
	}
	return string(data)
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	return "[REDACTED]"
}
