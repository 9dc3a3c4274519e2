// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// State is the per-conversation lifecycle state. A turn-cycle moves
// Idle -> Thinking -> Responding -> (WaitingForInput | Completed | Error);
// WaitingForInput, Completed and Error all accept the next user turn unless
// the conversation has been explicitly ended.
type State int

const (
	StateIdle State = iota
	StateThinking
	StateResponding
	StateWaitingForInput
	StateCompleted
	StateError
	StateEnded
)

// String returns the lowercase name used in exports and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateResponding:
		return "responding"
	case StateWaitingForInput:
		return "waiting_for_input"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether the conversation can no longer accept turns.
func (s State) Terminal() bool {
	return s == StateEnded
}

// =============================================================================
// CONVERSATION
// =============================================================================

// DefaultMaxTurns bounds history length when a profile does not set one.
const DefaultMaxTurns = 50

// Conversation owns an ordered turn history and the current lifecycle state.
// It is a plain data structure: synchronization is the caller's job (the
// conversation manager holds exactly one lock per conversation).
type Conversation struct {
	ID        string
	ProfileID string
	State     State
	Turns     []*Turn
	CreatedAt time.Time
	UpdatedAt time.Time

	// MaxTurns bounds history length; oldest non-system turns are evicted
	// first when exceeded. The system turn is never evicted.
	MaxTurns int
}

// NewConversation creates an Idle conversation for the given profile.
func NewConversation(profileID string, maxTurns int) *Conversation {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		State:     StateIdle,
		MaxTurns:  maxTurns,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTurn appends a turn and enforces the history bound. Eviction removes
// the oldest non-system turn first; the system turn is pinned.
func (c *Conversation) AddTurn(t *Turn) {
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = time.Now()
	c.evict()
}

func (c *Conversation) evict() {
	for len(c.Turns) > c.MaxTurns {
		removed := false
		for i, t := range c.Turns {
			if t.Role != RoleSystem {
				c.Turns = append(c.Turns[:i], c.Turns[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			// Only system turns left; nothing evictable.
			return
		}
	}
}

// SystemTurn returns the pinned system turn, or nil if none was appended.
func (c *Conversation) SystemTurn() *Turn {
	for _, t := range c.Turns {
		if t.Role == RoleSystem {
			return t
		}
	}
	return nil
}

// LastTurn returns the most recent turn, or nil for an empty history.
func (c *Conversation) LastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return c.Turns[len(c.Turns)-1]
}

// TurnCount returns the number of retained turns.
func (c *Conversation) TurnCount() int {
	return len(c.Turns)
}

// SetState updates the lifecycle state and the modification timestamp.
func (c *Conversation) SetState(s State) {
	c.State = s
	c.UpdatedAt = time.Now()
}
