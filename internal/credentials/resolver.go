// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/jellydator/ttlcache/v3"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/config"
	"github.com/jeranaias/quill/internal/logging"
)

// ErrNotFound is returned when no key exists for a provider that needs one.
var ErrNotFound = errors.New("credentials: api key not found")

// resolverCacheTTL keeps repeated lookups cheap while still picking up a
// rotated key within a short window.
const resolverCacheTTL = 30 * time.Second

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver produces a complete ProviderConfig for a provider. Key lookup
// order: secret store, then <PROVIDER>_API_KEY in the environment, then the
// plaintext config field. Endpoint/model/sampling settings come from the
// config snapshot supplied at construction (or via SetConfig on reload).
type Resolver struct {
	store  SecretStore
	cfg    func() *config.Config
	cache  *ttlcache.Cache[string, string]
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger attaches a logger. Keys are never logged, only outcomes.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithEnvFile loads KEY=value pairs from an env file into the process
// environment before resolution. Missing files are ignored.
func WithEnvFile(path string) Option {
	return func(r *Resolver) {
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to load env file", zap.String("path", path), zap.Error(err))
		}
	}
}

// NewResolver creates a resolver. cfg is called on every resolution so a
// hot-reloaded config takes effect immediately; store may be nil when no
// secret backend is available.
func NewResolver(store SecretStore, cfg func() *config.Config, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		cfg:    cfg,
		logger: logging.Nop(),
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](resolverCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.cache.Start()
	return r
}

// Close stops the resolver cache janitor.
func (r *Resolver) Close() {
	r.cache.Stop()
}

// Resolve returns the full provider config with the API key filled in.
// Fails with ErrNotFound when no key is available and the provider
// requires one.
func (r *Resolver) Resolve(p Provider) (ProviderConfig, error) {
	cfg := r.cfg()
	settings, ok := cfg.Provider(p.String())
	if !ok {
		return ProviderConfig{}, fmt.Errorf("credentials: no settings for provider %s", p)
	}

	key, err := r.resolveKey(p, settings.APIKey)
	if err != nil {
		return ProviderConfig{}, err
	}

	return ProviderConfig{
		Provider:    p,
		BaseURL:     settings.BaseURL,
		Model:       settings.Model,
		APIKey:      key,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		Timeout:     time.Duration(settings.Timeout) * time.Second,
	}, nil
}

// ResolvePrimary resolves the config's primary provider.
func (r *Resolver) ResolvePrimary() (ProviderConfig, error) {
	p, err := ParseProvider(r.cfg().API.PrimaryProvider)
	if err != nil {
		return ProviderConfig{}, err
	}
	return r.Resolve(p)
}

func (r *Resolver) resolveKey(p Provider, plaintext string) (string, error) {
	if item := r.cache.Get(p.String()); item != nil {
		return item.Value(), nil
	}

	key, source := r.lookupKey(p, plaintext)
	if key == "" {
		if p.RequiresKey() {
			r.logger.Debug("credential resolution failed", zap.String("provider", p.String()))
			return "", fmt.Errorf("no key for provider %s: %w", p, ErrNotFound)
		}
		return "", nil
	}
	if err := ValidateKeyFormat(key); err != nil {
		// A malformed key from a higher-priority source is surfaced, not
		// silently skipped: the user should fix it, not be confused by a
		// fallback.
		return "", fmt.Errorf("provider %s (%s): %w", p, source, err)
	}

	r.cache.Set(p.String(), key, ttlcache.DefaultTTL)
	r.logger.Debug("credential resolved",
		zap.String("provider", p.String()),
		zap.String("source", source))
	return key, nil
}

// lookupKey walks the resolution order and reports where the key came from.
func (r *Resolver) lookupKey(p Provider, plaintext string) (key, source string) {
	if r.store != nil {
		if v, err := r.store.Get(p.String()); err == nil && v != "" {
			return v, "secret_store"
		}
	}
	if v := os.Getenv(p.EnvVar()); v != "" {
		return v, "environment"
	}
	if plaintext != "" {
		return plaintext, "config"
	}
	return "", ""
}

// Invalidate drops the cached key for a provider, forcing a fresh lookup on
// the next Resolve. Called after the user updates a key in Settings.
func (r *Resolver) Invalidate(p Provider) {
	r.cache.Delete(p.String())
}

// =============================================================================
// KEY VALIDATION
// =============================================================================

// ValidateKeyFormat applies a loose sanity check: keys must be at least 6
// characters of printable non-whitespace. Catches pasted newlines and
// truncated values early, before a confusing 401.
func ValidateKeyFormat(key string) error {
	if len(key) < 6 {
		return errors.New("api key is suspiciously short")
	}
	if strings.TrimSpace(key) != key {
		return errors.New("api key has leading or trailing whitespace")
	}
	for _, r := range key {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("api key contains whitespace or control characters")
		}
	}
	return nil
}
