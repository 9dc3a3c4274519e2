// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"errors"
	"fmt"

	"github.com/jeranaias/quill/internal/api"
)

// =============================================================================
// ERRORS
// =============================================================================

// Reason categorizes a conversation-level failure.
type Reason int

const (
	ReasonNotFound Reason = iota
	ReasonBusy
	ReasonEnded
	ReasonAPIFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonBusy:
		return "busy"
	case ReasonEnded:
		return "ended"
	case ReasonAPIFailure:
		return "api_failure"
	default:
		return "unknown"
	}
}

// Error is a categorized conversation failure. For ReasonAPIFailure the
// underlying API error is preserved in Err for display, already free of
// credentials.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("agent: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason, so callers can compare
// against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Reason == other.Reason
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound = &Error{Reason: ReasonNotFound}
	ErrBusy     = &Error{Reason: ReasonBusy}
	ErrEnded    = &Error{Reason: ReasonEnded}
)

// apiFailure wraps an API client error into the conversation taxonomy.
func apiFailure(err error) *Error {
	return &Error{Reason: ReasonAPIFailure, Err: err}
}

// UserMessage renders a failure as a single human-readable line with an
// actionable hint where one exists. No stack traces, no secrets.
func UserMessage(err error) string {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		switch agentErr.Reason {
		case ReasonNotFound:
			return "No such conversation."
		case ReasonBusy:
			return "A response is still in progress; wait for it to finish."
		case ReasonEnded:
			return "This conversation has ended; start a new one."
		}
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		msg := "The request failed: " + apiErr.Kind.String()
		if hint := apiErr.Hint(); hint != "" {
			msg += " (" + hint + ")"
		}
		return msg + "."
	}
	return "Something went wrong: " + err.Error()
}
