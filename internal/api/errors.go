// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Kind categorizes an API failure. Expected failure modes (network trouble,
// HTTP errors) are returned as *Error values, never panics; only
// programming-contract violations (missing provider config) surface as
// plain errors.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindHTTPStatus
	KindResponseTooLarge
	KindMalformedBody
)

// String names the kind for logs and user messages.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_failure"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindResponseTooLarge:
		return "response_too_large"
	case KindMalformedBody:
		return "malformed_body"
	default:
		return "unknown"
	}
}

// Error is a categorized API failure. Status is set only for KindHTTPStatus.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPStatus && e.Message != "":
		return fmt.Sprintf("api: http %d: %s", e.Status, e.Message)
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("api: http %d", e.Status)
	case e.Message != "":
		return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("api: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Hint returns an actionable suggestion for the user, or "".
func (e *Error) Hint() string {
	switch {
	case e.Kind == KindHTTPStatus && (e.Status == 401 || e.Status == 403):
		return "check your API key"
	case e.Kind == KindHTTPStatus && e.Status == 429:
		return "rate limited, wait a moment and retry"
	case e.Kind == KindNetwork:
		return "check network connectivity"
	case e.Kind == KindTimeout:
		return "the provider took too long, retry or raise the timeout"
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// classifyTransport maps a transport-level error onto the taxonomy.
// Context cancellation passes through untouched: cancellation is not an
// error category of its own.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}
