// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/cache"
	"github.com/jeranaias/quill/internal/contextfmt"
	"github.com/jeranaias/quill/internal/credentials"
	"github.com/jeranaias/quill/internal/model"
)

// =============================================================================
// STUBS
// =============================================================================

type stubResolver struct{}

func (stubResolver) ResolvePrimary() (credentials.ProviderConfig, error) {
	return credentials.ProviderConfig{
		Provider:    credentials.Custom,
		BaseURL:     "http://localhost:11434/v1",
		Model:       "test-model",
		Temperature: 0.1,
		MaxTokens:   256,
	}, nil
}

// stubCompleter is a scriptable Completer that counts invocations.
type stubCompleter struct {
	mu       sync.Mutex
	calls    int
	response string
	err      error

	// block, when non-nil, is closed by the test to release a pending call.
	block chan struct{}

	// streamChunks feeds Stream; a nil slice streams the response string
	// in one chunk.
	streamChunks []api.Chunk
	// holdStream, when non-nil, keeps the stream open after the first
	// chunk until the context is cancelled.
	holdStream bool
}

func (s *stubCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubCompleter) Complete(ctx context.Context, pc credentials.ProviderConfig, messages []api.Message, params api.Params) (*api.Completion, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	response, err := s.response, s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &api.Completion{
		Content:      response,
		Model:        pc.Model,
		FinishReason: "stop",
		Usage:        model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *stubCompleter) Stream(ctx context.Context, pc credentials.ProviderConfig, messages []api.Message, params api.Params) (<-chan api.Chunk, error) {
	s.mu.Lock()
	s.calls++
	chunksIn, hold, response, err := s.streamChunks, s.holdStream, s.response, s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan api.Chunk, 16)
	go func() {
		defer close(out)
		if chunksIn == nil {
			chunksIn = []api.Chunk{{Content: response}}
		}
		for _, chunk := range chunksIn {
			select {
			case out <- chunk:
			case <-ctx.Done():
				out <- api.Chunk{Err: ctx.Err()}
				return
			}
		}
		if hold {
			<-ctx.Done()
			out <- api.Chunk{Err: ctx.Err()}
		}
	}()
	return out, nil
}

func (s *stubCompleter) TestConnection(ctx context.Context, pc credentials.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newTestManager(t *testing.T, client Completer) *Manager {
	t.Helper()
	m := NewManager(client, stubResolver{}, cache.New(100, 1024*1024, time.Hour), builtinProfiles(), nil)
	t.Cleanup(m.Close)
	return m
}

func startCodeAssistant(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.Start("code_assistant", contextfmt.EditorContext{
		Selection:          "def f(): pass",
		Language:           "python",
		LanguageConfidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return id
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStart_AppendsSystemTurn(t *testing.T) {
	m := newTestManager(t, &stubCompleter{})
	id := startCodeAssistant(t, m)

	turns, err := m.Turns(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Role != model.RoleSystem {
		t.Fatalf("Expected exactly the system turn, got %d turns", len(turns))
	}
	if turns[0].Content == "" {
		t.Error("Expected non-empty system prompt")
	}

	state, err := m.State(id)
	if err != nil {
		t.Fatal(err)
	}
	if state != model.StateWaitingForInput {
		t.Errorf("Expected WaitingForInput after Start, got %s", state)
	}
}

func TestStart_UnknownProfile(t *testing.T) {
	m := newTestManager(t, &stubCompleter{})
	if _, err := m.Start("stylist", contextfmt.EditorContext{Selection: "x"}); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestStart_CopywriterRequiresSelection(t *testing.T) {
	m := newTestManager(t, &stubCompleter{})
	_, err := m.Start("copywriter", contextfmt.EditorContext{Document: "no selection here"})
	if !errors.Is(err, contextfmt.ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

// TestExampleScenario exercises the canonical flow: start, one completion,
// then an identical repeat that must be served from cache.
func TestExampleScenario(t *testing.T) {
	stub := &stubCompleter{response: "def f():\n    \"\"\"...\"\"\"\n    pass"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	turn, err := m.Continue(context.Background(), id, "add a docstring", ContinueOptions{})
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if turn.Role != model.RoleAssistant || !strings.Contains(turn.Content, "\"\"\"") {
		t.Errorf("Unexpected assistant turn: %+v", turn)
	}

	turns, _ := m.Turns(id)
	if len(turns) != 3 {
		t.Fatalf("Expected 3 turns (system, user, assistant), got %d", len(turns))
	}
	state, _ := m.State(id)
	if state != model.StateCompleted {
		t.Errorf("Expected Completed, got %s", state)
	}
	if stub.Calls() != 1 {
		t.Fatalf("Expected 1 API call, got %d", stub.Calls())
	}

	// The exact same request again: served from cache, no second API call.
	turn2, err := m.Continue(context.Background(), id, "add a docstring", ContinueOptions{})
	if err != nil {
		t.Fatalf("Second Continue failed: %v", err)
	}
	if turn2.Content != turn.Content {
		t.Error("Expected identical cached content")
	}
	if stub.Calls() != 1 {
		t.Errorf("Expected cached response without a second API call, got %d calls", stub.Calls())
	}
}

func TestContinue_NotFound(t *testing.T) {
	m := newTestManager(t, &stubCompleter{})
	_, err := m.Continue(context.Background(), "no-such-id", "hi", ContinueOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestContinue_AfterEnd(t *testing.T) {
	m := newTestManager(t, &stubCompleter{response: "ok"})
	id := startCodeAssistant(t, m)

	if err := m.End(id); err != nil {
		t.Fatal(err)
	}
	_, err := m.Continue(context.Background(), id, "hi", ContinueOptions{})
	if !errors.Is(err, ErrEnded) {
		t.Errorf("Expected ErrEnded, got %v", err)
	}
}

// =============================================================================
// ORDERING AND BUSY
// =============================================================================

func TestContinue_SequentialOrdering(t *testing.T) {
	stub := &stubCompleter{response: "reply"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	inputs := []string{"first question", "second question", "third question"}
	for _, msg := range inputs {
		if _, err := m.Continue(context.Background(), id, msg, ContinueOptions{}); err != nil {
			t.Fatalf("Continue(%q) failed: %v", msg, err)
		}
	}

	turns, _ := m.Turns(id)
	// system + 3 * (user, assistant)
	if len(turns) != 7 {
		t.Fatalf("Expected 7 turns, got %d", len(turns))
	}
	var userContents []string
	for _, turn := range turns {
		if turn.Role == model.RoleUser {
			userContents = append(userContents, turn.Content)
		}
	}
	for i, msg := range inputs {
		if !strings.Contains(userContents[i], msg) {
			t.Errorf("User turn %d: expected to contain %q, got %q", i, msg, userContents[i])
		}
	}
}

func TestContinue_BusyFailsFast(t *testing.T) {
	block := make(chan struct{})
	stub := &stubCompleter{response: "slow reply", block: block}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	turnsBefore, _ := m.Turns(id)

	done := make(chan error, 1)
	go func() {
		_, err := m.Continue(context.Background(), id, "long running", ContinueOptions{})
		done <- err
	}()

	// Wait for the first call to reach the API stub.
	deadline := time.After(2 * time.Second)
	for stub.Calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("First Continue never reached the client")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := m.Continue(context.Background(), id, "impatient second call", ContinueOptions{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Expected ErrBusy, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("First Continue failed: %v", err)
	}

	// The busy call left no trace: exactly one user and one assistant
	// turn were added beyond the starting state.
	turns, _ := m.Turns(id)
	if len(turns) != len(turnsBefore)+2 {
		t.Errorf("Expected busy call to leave history unchanged, got %d turns", len(turns))
	}
}

func TestContinue_IdenticalConsecutiveMessagesStillAppend(t *testing.T) {
	stub := &stubCompleter{response: "same answer"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	if _, err := m.Continue(context.Background(), id, "repeat me", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Continue(context.Background(), id, "repeat me", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	// No dedup at the turn level: 5 turns even though the second response
	// came from cache.
	turns, _ := m.Turns(id)
	if len(turns) != 5 {
		t.Errorf("Expected 5 turns, got %d", len(turns))
	}
	if stub.Calls() != 1 {
		t.Errorf("Expected fingerprint-level dedup (1 call), got %d", stub.Calls())
	}
}

// =============================================================================
// TURN EVICTION
// =============================================================================

func TestContinue_TurnLimitEviction(t *testing.T) {
	stub := &stubCompleter{response: "r"}
	m := newTestManager(t, stub)

	// copywriter caps history at 5 turns.
	id, err := m.Start("copywriter", contextfmt.EditorContext{Selection: "polish this sentence"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		msg := strings.Repeat("x", i+1) // distinct messages, no cache hits
		if _, err := m.Continue(context.Background(), id, msg, ContinueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	turns, _ := m.Turns(id)
	if len(turns) != 5 {
		t.Fatalf("Expected history bounded to 5 turns, got %d", len(turns))
	}
	if turns[0].Role != model.RoleSystem {
		t.Error("Expected system turn to survive eviction at position 0")
	}
	last := turns[len(turns)-1]
	if last.Role != model.RoleAssistant {
		t.Errorf("Expected newest assistant turn last, got %s", last.Role)
	}
}

// =============================================================================
// CALLBACKS AND STREAMING
// =============================================================================

func TestContinue_CallbackOrdering(t *testing.T) {
	stub := &stubCompleter{streamChunks: []api.Chunk{
		{Content: "hel"}, {Content: "lo"}, {Content: "!", FinishReason: "stop"},
	}}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	turn, err := m.Continue(context.Background(), id, "say hello", ContinueOptions{
		Stream: true,
		Callbacks: Callbacks{
			OnThinkingStart: func(string) { record("thinking") },
			OnChunk:         func(_, delta string) { record("chunk:" + delta) },
			OnCompleted:     func(_ string, turn *model.Turn) { record("completed") },
			OnError:         func(_ string, err error) { record("error") },
		},
	})
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if turn.Content != "hello!" {
		t.Errorf("Expected accumulated content 'hello!', got %q", turn.Content)
	}

	want := []string{"thinking", "chunk:hel", "chunk:lo", "chunk:!", "completed"}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("Event %d: expected %s, got %s (all: %v)", i, want[i], events[i], events)
		}
	}
}

func TestContinue_CacheHitSkipsThinkingCallback(t *testing.T) {
	stub := &stubCompleter{response: "cached"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	if _, err := m.Continue(context.Background(), id, "q", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	var events []string
	_, err := m.Continue(context.Background(), id, "q", ContinueOptions{
		Callbacks: Callbacks{
			OnThinkingStart: func(string) { events = append(events, "thinking") },
			OnCompleted:     func(string, *model.Turn) { events = append(events, "completed") },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0] != "completed" {
		t.Errorf("Expected only a completed event on cache hit, got %v", events)
	}
}

// =============================================================================
// ERRORS AND CANCELLATION
// =============================================================================

func TestContinue_APIFailure(t *testing.T) {
	stub := &stubCompleter{err: &api.Error{Kind: api.KindHTTPStatus, Status: 500, Message: "server exploded"}}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	var reported error
	_, err := m.Continue(context.Background(), id, "q", ContinueOptions{
		Callbacks: Callbacks{
			OnError: func(_ string, err error) { reported = err },
		},
	})

	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Reason != ReasonAPIFailure {
		t.Fatalf("Expected ReasonAPIFailure, got %v", err)
	}
	// Original detail preserved underneath.
	if !api.IsKind(err, api.KindHTTPStatus) {
		t.Error("Expected the underlying API error to be preserved")
	}
	if reported == nil {
		t.Error("Expected OnError callback")
	}

	state, _ := m.State(id)
	if state != model.StateError {
		t.Errorf("Expected Error state, got %s", state)
	}

	// Error is per-turn, not fatal: the conversation accepts another turn.
	stub.mu.Lock()
	stub.err = nil
	stub.response = "recovered"
	stub.mu.Unlock()
	turn, err := m.Continue(context.Background(), id, "try again", ContinueOptions{})
	if err != nil {
		t.Fatalf("Expected conversation to remain usable, got %v", err)
	}
	if turn.Content != "recovered" {
		t.Errorf("Expected recovery response, got %q", turn.Content)
	}
}

func TestContinue_CancellationMidStream(t *testing.T) {
	stub := &stubCompleter{
		streamChunks: []api.Chunk{{Content: "partial "}},
		holdStream:   true,
	}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	firstChunk := make(chan struct{})
	var once sync.Once

	done := make(chan error, 1)
	go func() {
		_, err := m.Continue(context.Background(), id, "stream forever", ContinueOptions{
			Stream: true,
			Callbacks: Callbacks{
				OnChunk: func(string, string) { once.Do(func() { close(firstChunk) }) },
			},
		})
		done <- err
	}()

	select {
	case <-firstChunk:
	case <-time.After(2 * time.Second):
		t.Fatal("Never received a chunk")
	}

	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// Partial content discarded, back to WaitingForInput.
	state, _ := m.State(id)
	if state != model.StateWaitingForInput {
		t.Errorf("Expected WaitingForInput after cancel, got %s", state)
	}
	turns, _ := m.Turns(id)
	for _, turn := range turns {
		if turn.Role == model.RoleAssistant {
			t.Error("Expected no assistant turn after cancellation")
		}
	}

	// Cancel again: idempotent no-op.
	if err := m.Cancel(id); err != nil {
		t.Errorf("Expected idempotent Cancel, got %v", err)
	}

	// A subsequent Continue succeeds normally.
	stub.mu.Lock()
	stub.holdStream = false
	stub.streamChunks = []api.Chunk{{Content: "fresh answer"}}
	stub.mu.Unlock()
	turn, err := m.Continue(context.Background(), id, "take two", ContinueOptions{Stream: true})
	if err != nil {
		t.Fatalf("Continue after cancel failed: %v", err)
	}
	if turn.Content != "fresh answer" {
		t.Errorf("Expected fresh answer, got %q", turn.Content)
	}
}

func TestContinue_MessageCapKeepsValidUTF8(t *testing.T) {
	stub := &stubCompleter{response: "ok"}
	m := newTestManager(t, stub)
	id, err := m.Start("code_assistant", contextfmt.EditorContext{})
	if err != nil {
		t.Fatal(err)
	}

	// 3-byte runes, so the 32 KiB cap cannot land on a rune boundary.
	huge := strings.Repeat("日", maxUserMessageLen/3+100)
	if _, err := m.Continue(context.Background(), id, huge, ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	turns, _ := m.Turns(id)
	user := turns[1]
	if len(user.Content) > maxUserMessageLen {
		t.Errorf("Expected message bounded to %d bytes, got %d", maxUserMessageLen, len(user.Content))
	}
	if !utf8.ValidString(user.Content) {
		t.Error("Expected the capped message to stay valid UTF-8")
	}
}

func TestEnd_DuringInFlightContinue(t *testing.T) {
	stub := &stubCompleter{
		streamChunks: []api.Chunk{{Content: "partial "}},
		holdStream:   true,
	}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	firstChunk := make(chan struct{})
	var once sync.Once

	done := make(chan error, 1)
	go func() {
		_, err := m.Continue(context.Background(), id, "never finishes", ContinueOptions{
			Stream: true,
			Callbacks: Callbacks{
				OnChunk: func(string, string) { once.Do(func() { close(firstChunk) }) },
			},
		})
		done <- err
	}()

	select {
	case <-firstChunk:
	case <-time.After(2 * time.Second):
		t.Fatal("Never received a chunk")
	}

	if err := m.End(id); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled from the aborted turn, got %v", err)
	}

	// Ended is terminal: the aborted turn's unwinding must not revive the
	// conversation.
	state, _ := m.State(id)
	if state != model.StateEnded {
		t.Fatalf("Expected Ended to stick, got %s", state)
	}
	if _, err := m.Continue(context.Background(), id, "still there?", ContinueOptions{}); !errors.Is(err, ErrEnded) {
		t.Errorf("Expected ErrEnded after End, got %v", err)
	}
}

// =============================================================================
// CONTEXT HANDLING
// =============================================================================

func TestContinue_ContextEmbeddedOnce(t *testing.T) {
	stub := &stubCompleter{response: "ok"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	if _, err := m.Continue(context.Background(), id, "first", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Continue(context.Background(), id, "second", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	turns, _ := m.Turns(id)
	var userTurns []*model.Turn
	for _, turn := range turns {
		if turn.Role == model.RoleUser {
			userTurns = append(userTurns, turn)
		}
	}
	if len(userTurns) != 2 {
		t.Fatalf("Expected 2 user turns, got %d", len(userTurns))
	}
	if !strings.Contains(userTurns[0].Content, "def f(): pass") {
		t.Error("Expected the formatted context inside the first user turn")
	}
	if strings.Contains(userTurns[1].Content, "def f(): pass") {
		t.Error("Expected the unchanged context not to be repeated")
	}
}

func TestContinue_UpdatedContextReembedded(t *testing.T) {
	stub := &stubCompleter{response: "ok"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	if _, err := m.Continue(context.Background(), id, "first", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	updated := &contextfmt.EditorContext{
		Selection:          "def g(): return 42",
		Language:           "python",
		LanguageConfidence: 0.9,
	}
	if _, err := m.Continue(context.Background(), id, "about this one", ContinueOptions{UpdatedContext: updated}); err != nil {
		t.Fatal(err)
	}

	turns, _ := m.Turns(id)
	last := turns[len(turns)-2] // the second user turn
	if !strings.Contains(last.Content, "def g(): return 42") {
		t.Errorf("Expected updated context embedded, got %q", last.Content)
	}
}

// =============================================================================
// MISC
// =============================================================================

func TestExportAndSummary(t *testing.T) {
	stub := &stubCompleter{response: "hello"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)
	if _, err := m.Continue(context.Background(), id, "hi", ContinueOptions{}); err != nil {
		t.Fatal(err)
	}

	tr, err := m.Export(id)
	if err != nil {
		t.Fatal(err)
	}
	if tr.ProfileID != "code_assistant" || len(tr.Turns) != 3 {
		t.Errorf("Unexpected transcript: %+v", tr)
	}

	summary, err := m.Summary(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "Code Assistant") || !strings.Contains(summary, "3 turns") {
		t.Errorf("Unexpected summary: %s", summary)
	}
}

func TestClearConversations(t *testing.T) {
	m := newTestManager(t, &stubCompleter{response: "x"})
	id := startCodeAssistant(t, m)

	m.ClearConversations()

	if _, err := m.Continue(context.Background(), id, "hi", ContinueOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after clear, got %v", err)
	}
}

func TestSetProfiles_DoesNotAffectRunningConversation(t *testing.T) {
	stub := &stubCompleter{response: "x"}
	m := newTestManager(t, stub)
	id := startCodeAssistant(t, m)

	m.SetProfiles(map[string]*Profile{})

	// Existing conversation still works with its snapshotted profile.
	if _, err := m.Continue(context.Background(), id, "hi", ContinueOptions{}); err != nil {
		t.Errorf("Expected running conversation to keep its profile, got %v", err)
	}
	// New conversations see the new (empty) profile set.
	if _, err := m.Start("code_assistant", contextfmt.EditorContext{Selection: "x"}); err == nil {
		t.Error("Expected Start to fail after profiles were removed")
	}
}
