// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Message is the normalized message shape hashed into a fingerprint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// fingerprintInput is the canonical serialization hashed as the cache key.
// Field order is fixed by the struct, so identical requests always hash
// identically.
type fingerprintInput struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Fingerprint hashes a normalized request into the cache key. Used both for
// response caching and for coalescing identical in-flight requests.
func Fingerprint(provider, model string, messages []Message, temperature float64, maxTokens int) string {
	in := fingerprintInput{
		Provider:    provider,
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	data, err := json.Marshal(in)
	if err != nil {
		// Only unmarshalable values can fail here, and fingerprintInput
		// has none. Fall back to hashing the raw fields.
		data = []byte(provider + "\x00" + model)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
