// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// SECRET STORE
// =============================================================================

// SecretStore is the pluggable secret backend. Hosts with an OS keyring
// provide their own implementation; FileSecretStore is the portable
// fallback.
type SecretStore interface {
	// Get returns the secret for name, or ErrNotFound.
	Get(name string) (string, error)
	// Set stores or replaces the secret for name.
	Set(name, value string) error
	// Delete removes the secret for name. Deleting a missing name is not
	// an error.
	Delete(name string) error
}

// =============================================================================
// FILE-BACKED STORE
// =============================================================================

// FileSecretStore keeps secrets in a JSON file with owner-only permissions.
// Writes are atomic so a crash never leaves a truncated store.
type FileSecretStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSecretStore creates a store backed by the given path. The file is
// created lazily on the first Set.
func NewFileSecretStore(path string) *FileSecretStore {
	return &FileSecretStore{path: path}
}

// Get implements SecretStore.
func (s *FileSecretStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := secrets[name]
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set implements SecretStore.
func (s *FileSecretStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[name] = value
	return s.save(secrets)
}

// Delete implements SecretStore.
func (s *FileSecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[name]; !ok {
		return nil
	}
	delete(secrets, name)
	return s.save(secrets)
}

func (s *FileSecretStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secret store: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

func (s *FileSecretStore) save(secrets map[string]string) error {
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secret store: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	return nil
}
