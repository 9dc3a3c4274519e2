// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent owns conversation state machines and orchestrates the
// request/response cycle: context formatting, cache lookups, API dispatch
// (streamed or not) and callback delivery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/cache"
	"github.com/jeranaias/quill/internal/contextfmt"
	"github.com/jeranaias/quill/internal/credentials"
	"github.com/jeranaias/quill/internal/export"
	"github.com/jeranaias/quill/internal/logging"
	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Completer is the API client surface the manager needs. *api.Client
// satisfies it; tests substitute stubs.
type Completer interface {
	Complete(ctx context.Context, pc credentials.ProviderConfig, messages []api.Message, params api.Params) (*api.Completion, error)
	Stream(ctx context.Context, pc credentials.ProviderConfig, messages []api.Message, params api.Params) (<-chan api.Chunk, error)
	TestConnection(ctx context.Context, pc credentials.ProviderConfig) error
}

// Resolver is the credential surface the manager needs.
type Resolver interface {
	ResolvePrimary() (credentials.ProviderConfig, error)
}

// Callbacks deliver progress for one Continue call. Each is invoked at
// most once per event, in order (OnThinkingStart, then zero or more
// OnChunk, then exactly one of OnCompleted/OnError), and never interleaved
// with callbacks from another Continue on the same conversation. Nil
// callbacks are skipped. Callbacks run on the calling goroutine; the host
// owns any UI-thread marshalling.
type Callbacks struct {
	OnThinkingStart func(conversationID string)
	OnChunk         func(conversationID string, delta string)
	OnCompleted     func(conversationID string, turn *model.Turn)
	OnError         func(conversationID string, err error)
}

// ContinueOptions tune one Continue call.
type ContinueOptions struct {
	// UpdatedContext re-derives the formatted editor context for this
	// turn. When nil the most recently formatted context is reused, so an
	// unchanged selection is not re-charged.
	UpdatedContext *contextfmt.EditorContext
	// Stream delivers the response incrementally via OnChunk.
	Stream bool
	// Callbacks receive progress events for this call.
	Callbacks Callbacks
}

// maxUserMessageLen bounds a single user message.
const maxUserMessageLen = 32 * 1024

// sweepInterval paces the cache maintenance pass.
const sweepInterval = time.Minute

// =============================================================================
// MANAGER
// =============================================================================

// conversation pairs the data model with per-conversation orchestration
// state. Its mutex serializes one turn-cycle at a time; inFlight makes a
// concurrent second Continue fail fast instead of queueing.
type conversation struct {
	mu sync.Mutex

	data    *model.Conversation
	profile *Profile

	inFlight bool
	cancel   context.CancelFunc

	// lastContext is the most recently formatted editor context, reused
	// when a follow-up turn supplies none.
	lastContext string
	// contextSent marks that lastContext was already embedded in a user
	// turn and must not be repeated.
	contextSent bool
}

// setState transitions the conversation. Ended is terminal: an End racing
// an in-flight turn must not be clobbered by that turn's outcome.
func (cv *conversation) setState(s model.State) {
	cv.mu.Lock()
	if cv.data.State != model.StateEnded {
		cv.data.SetState(s)
	}
	cv.mu.Unlock()
}

// Manager owns all conversations. Safe for concurrent use; calls on
// different conversations proceed independently.
type Manager struct {
	mu    sync.Mutex
	convs map[string]*conversation

	profilesMu sync.RWMutex
	profiles   map[string]*Profile

	client   Completer
	resolver Resolver
	cache    *cache.Cache
	logger   *zap.Logger

	// group coalesces identical in-flight requests across conversations
	// so a double-submit costs one billed call.
	group singleflight.Group

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager wires the conversation manager. cache may be nil to disable
// response caching.
func NewManager(client Completer, resolver Resolver, respCache *cache.Cache, profiles map[string]*Profile, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		convs:     make(map[string]*conversation),
		profiles:  profiles,
		client:    client,
		resolver:  resolver,
		cache:     respCache,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	if respCache != nil {
		go m.sweepLoop()
	}
	return m
}

// Close stops background maintenance. Conversations stay usable.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			if n := m.cache.Sweep(); n > 0 {
				m.logger.Debug("cache sweep", zap.Int("expired", n))
			}
		}
	}
}

// SetProfiles swaps the profile set after a config reload. Running
// conversations keep the profile they started with.
func (m *Manager) SetProfiles(profiles map[string]*Profile) {
	m.profilesMu.Lock()
	defer m.profilesMu.Unlock()
	m.profiles = profiles
}

// Profile returns a profile by ID.
func (m *Manager) Profile(id string) (*Profile, bool) {
	m.profilesMu.RLock()
	defer m.profilesMu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// Start creates a conversation for the profile, appends the system turn
// and formats the initial editor context. The formatted context is held
// back and embedded into the first user message. Returns the conversation
// ID.
func (m *Manager) Start(profileID string, ec contextfmt.EditorContext) (string, error) {
	profile, ok := m.Profile(profileID)
	if !ok {
		return "", fmt.Errorf("agent: unknown profile %q", profileID)
	}

	formatted := ""
	if !ec.Empty() || profile.RequireSelection {
		var err error
		formatted, err = contextfmt.Format(ec, profile.FormatOptions())
		if err != nil {
			return "", err
		}
	}

	data := model.NewConversation(profileID, profile.MaxTurns)
	data.AddTurn(model.NewTurn(model.RoleSystem, profile.SystemPrompt))
	data.SetState(model.StateWaitingForInput)

	cv := &conversation{
		data:        data,
		profile:     profile,
		lastContext: formatted,
	}

	m.mu.Lock()
	m.convs[data.ID] = cv
	m.mu.Unlock()

	m.logger.Info("conversation started",
		zap.String("conversation_id", data.ID),
		zap.String("profile", profileID))
	return data.ID, nil
}

// End marks the conversation terminated. Further Continue calls fail with
// ErrEnded; Export still works.
func (m *Manager) End(conversationID string) error {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return err
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.cancel != nil {
		cv.cancel()
	}
	cv.data.SetState(model.StateEnded)
	m.logger.Info("conversation ended", zap.String("conversation_id", conversationID))
	return nil
}

// Cancel aborts an in-flight Continue on the conversation. Partial
// assistant content is discarded and the conversation returns to
// WaitingForInput. Idempotent: cancelling an idle conversation is a no-op.
func (m *Manager) Cancel(conversationID string) error {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return err
	}
	cv.mu.Lock()
	cancel := cv.cancel
	cv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Export returns the sanitized transcript of a conversation.
func (m *Manager) Export(conversationID string) (*export.Transcript, error) {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return export.FromConversation(cv.data), nil
}

// Summary returns a one-line description for listings.
func (m *Manager) Summary(conversationID string) (string, error) {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return "", err
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return fmt.Sprintf("%s [%s] %s, %d turns",
		cv.data.ID, cv.profile.Name, cv.data.State, cv.data.TurnCount()), nil
}

// State returns the conversation's current lifecycle state.
func (m *Manager) State(conversationID string) (model.State, error) {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return model.StateIdle, err
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.data.State, nil
}

// Turns returns a snapshot of the conversation's turn history.
func (m *Manager) Turns(conversationID string) ([]*model.Turn, error) {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]*model.Turn, len(cv.data.Turns))
	copy(out, cv.data.Turns)
	return out, nil
}

// ClearConversations ends and drops every conversation.
func (m *Manager) ClearConversations() {
	m.mu.Lock()
	convs := m.convs
	m.convs = make(map[string]*conversation)
	m.mu.Unlock()

	for _, cv := range convs {
		cv.mu.Lock()
		if cv.cancel != nil {
			cv.cancel()
		}
		cv.data.SetState(model.StateEnded)
		cv.mu.Unlock()
	}
}

// TestConnection probes the primary provider end to end.
func (m *Manager) TestConnection(ctx context.Context) error {
	pc, err := m.resolver.ResolvePrimary()
	if err != nil {
		return err
	}
	return m.client.TestConnection(ctx, pc)
}

func (m *Manager) lookup(conversationID string) (*conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cv, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return cv, nil
}

// =============================================================================
// CONTINUE
// =============================================================================

// Continue runs one turn-cycle: append the user turn, check the cache,
// dispatch to the provider on a miss, and append the assistant turn.
// Exactly one Continue may be in flight per conversation; a concurrent
// second call fails fast with ErrBusy and leaves history unchanged.
// Cancellation (via ctx or Cancel) discards partial content, returns the
// conversation to WaitingForInput and reports context.Canceled.
func (m *Manager) Continue(ctx context.Context, conversationID, userMessage string, opts ContinueOptions) (*model.Turn, error) {
	cv, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	userMessage = strings.TrimSpace(userMessage)
	userMessage = util.TruncateUTF8(userMessage, maxUserMessageLen)

	// Credentials resolve before any history mutation so a missing key
	// fails fast and leaves the conversation untouched.
	pc, err := m.resolver.ResolvePrimary()
	if err != nil {
		return nil, err
	}

	cv.mu.Lock()
	if cv.data.State == model.StateEnded {
		cv.mu.Unlock()
		return nil, ErrEnded
	}
	if cv.inFlight {
		cv.mu.Unlock()
		return nil, ErrBusy
	}
	cv.inFlight = true

	if opts.UpdatedContext != nil {
		formatted, ferr := contextfmt.Format(*opts.UpdatedContext, cv.profile.FormatOptions())
		if ferr != nil {
			cv.inFlight = false
			cv.mu.Unlock()
			return nil, ferr
		}
		cv.lastContext = formatted
		cv.contextSent = false
	}

	// The fingerprint covers the semantic request (system prompt,
	// formatted context, user message, sampling parameters), not the
	// accumulated dialogue: a double-submitted identical request must hit
	// the cache even though history has grown in between.
	fpContent := userMessage
	if cv.lastContext != "" {
		fpContent = cv.lastContext + "\n\n" + userMessage
	}
	systemPrompt := cv.profile.SystemPrompt
	if st := cv.data.SystemTurn(); st != nil {
		systemPrompt = st.Content
	}
	fp := cache.Fingerprint(pc.Provider.String(), pc.Model, []cache.Message{
		{Role: string(model.RoleSystem), Content: systemPrompt},
		{Role: string(model.RoleUser), Content: fpContent},
	}, pc.Temperature, pc.MaxTokens)

	content := userMessage
	if cv.lastContext != "" && !cv.contextSent {
		content = cv.lastContext + "\n\n" + userMessage
		cv.contextSent = true
	}
	cv.data.AddTurn(model.NewTurn(model.RoleUser, content))

	messages := wireMessages(cv.data)

	reqCtx, cancel := context.WithCancel(ctx)
	cv.cancel = cancel
	cv.mu.Unlock()

	turn, err := m.runCycle(reqCtx, cv, fp, pc, messages, opts)

	cv.mu.Lock()
	cv.inFlight = false
	cv.cancel = nil
	cv.mu.Unlock()
	cancel()

	return turn, err
}

// runCycle performs the cache check and provider dispatch for one turn.
func (m *Manager) runCycle(ctx context.Context, cv *conversation, fp string, pc credentials.ProviderConfig, messages []api.Message, opts ContinueOptions) (*model.Turn, error) {
	cb := opts.Callbacks
	convID := cv.data.ID

	if m.cache != nil {
		if cached, ok := m.cache.Get(fp); ok {
			m.logger.Debug("cache hit", zap.String("conversation_id", convID))
			turn := model.NewTurn(model.RoleAssistant, cached.Content)
			if !cached.Usage.IsZero() {
				usage := cached.Usage
				turn.Usage = &usage
			}
			cv.mu.Lock()
			cv.data.AddTurn(turn)
			if cv.data.State != model.StateEnded {
				cv.data.SetState(model.StateCompleted)
			}
			cv.mu.Unlock()
			if cb.OnCompleted != nil {
				cb.OnCompleted(convID, turn)
			}
			return turn, nil
		}
	}

	cv.setState(model.StateThinking)
	if cb.OnThinkingStart != nil {
		cb.OnThinkingStart(convID)
	}

	var content string
	var usage model.Usage
	var err error
	if opts.Stream {
		content, usage, err = m.streamResponse(ctx, cv, pc, messages, cb)
	} else {
		content, usage, err = m.completeResponse(ctx, fp, pc, messages)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancellation is not an error state: discard partials and
			// go back to waiting.
			cv.setState(model.StateWaitingForInput)
			return nil, context.Canceled
		}
		cv.setState(model.StateError)
		failure := apiFailure(err)
		if cb.OnError != nil {
			cb.OnError(convID, failure)
		}
		m.logger.Warn("turn failed",
			zap.String("conversation_id", convID),
			zap.Error(err))
		return nil, failure
	}

	turn := model.NewTurn(model.RoleAssistant, content)
	if !usage.IsZero() {
		u := usage
		turn.Usage = &u
	}

	if m.cache != nil {
		m.cache.Put(fp, &cache.Response{Content: content, Model: pc.Model, Usage: usage})
	}

	cv.mu.Lock()
	cv.data.AddTurn(turn)
	if cv.data.State != model.StateEnded {
		cv.data.SetState(model.StateCompleted)
	}
	cv.mu.Unlock()

	if cb.OnCompleted != nil {
		cb.OnCompleted(convID, turn)
	}
	return turn, nil
}

// completeResponse performs a non-streaming call, coalescing identical
// in-flight fingerprints across conversations into one billed request.
func (m *Manager) completeResponse(ctx context.Context, fp string, pc credentials.ProviderConfig, messages []api.Message) (string, model.Usage, error) {
	type result struct {
		content string
		usage   model.Usage
	}
	v, err, shared := m.group.Do(fp, func() (any, error) {
		comp, err := m.client.Complete(ctx, pc, messages, api.Params{})
		if err != nil {
			return nil, err
		}
		return result{content: comp.Content, usage: comp.Usage}, nil
	})
	if err != nil {
		return "", model.Usage{}, err
	}
	if shared {
		m.logger.Debug("coalesced duplicate in-flight request")
	}
	r := v.(result)
	return r.content, r.usage, nil
}

// streamResponse consumes the chunk channel, fanning deltas out to the
// OnChunk callback while accumulating the full response.
func (m *Manager) streamResponse(ctx context.Context, cv *conversation, pc credentials.ProviderConfig, messages []api.Message, cb Callbacks) (string, model.Usage, error) {
	chunks, err := m.client.Stream(ctx, pc, messages, api.Params{})
	if err != nil {
		return "", model.Usage{}, err
	}

	cv.setState(model.StateResponding)

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", model.Usage{}, chunk.Err
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			if cb.OnChunk != nil {
				cb.OnChunk(cv.data.ID, chunk.Content)
			}
		}
	}
	if ctx.Err() != nil {
		return "", model.Usage{}, ctx.Err()
	}
	return sb.String(), model.Usage{}, nil
}

// =============================================================================
// MESSAGE ASSEMBLY
// =============================================================================

// wireMessages flattens retained history into the wire format.
func wireMessages(c *model.Conversation) []api.Message {
	out := make([]api.Message, 0, len(c.Turns))
	for _, t := range c.Turns {
		out = append(out, api.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}
