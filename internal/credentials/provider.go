// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials resolves API keys and provider endpoints. Resolution
// is a pure, side-effect-free read: secret store first, then environment,
// then the plaintext config fallback.
package credentials

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// Provider is a closed set of supported backends. Anything speaking the
// OpenAI chat-completions dialect at a configurable URL falls under Custom.
type Provider int

const (
	DeepSeek Provider = iota
	OpenAI
	Custom
)

// String returns the lowercase provider name used in config keys.
func (p Provider) String() string {
	switch p {
	case DeepSeek:
		return "deepseek"
	case OpenAI:
		return "openai"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// EnvVar returns the environment variable consulted for this provider's key.
func (p Provider) EnvVar() string {
	return strings.ToUpper(p.String()) + "_API_KEY"
}

// RequiresKey reports whether an empty key is a resolution failure. Local
// endpoints behind Custom commonly accept any token.
func (p Provider) RequiresKey() bool {
	return p != Custom
}

// ParseProvider maps a config string onto the closed provider set.
func ParseProvider(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deepseek":
		return DeepSeek, nil
	case "openai":
		return OpenAI, nil
	case "custom":
		return Custom, nil
	}
	return Custom, fmt.Errorf("unknown provider %q", name)
}

// Providers lists all members of the closed set.
func Providers() []Provider {
	return []Provider{DeepSeek, OpenAI, Custom}
}

// =============================================================================
// PROVIDER CONFIG
// =============================================================================

// ProviderConfig is the resolved, immutable per-request view of one
// provider: endpoint, model, sampling defaults and the API key. Resolved
// fresh for each request cycle so key rotation takes effect without a
// restart. The key must never appear in logs or exports.
type ProviderConfig struct {
	Provider    Provider
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// String renders the config with the key redacted.
func (pc ProviderConfig) String() string {
	key := ""
	if pc.APIKey != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("provider=%s base_url=%s model=%s api_key=%s",
		pc.Provider, pc.BaseURL, pc.Model, key)
}
