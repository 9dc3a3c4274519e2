// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the OpenAI-compatible chat-completions client used
// for every provider. Both synchronous and streamed completions share one
// wire format; providers differ only in base URL, model and key.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/quill/internal/credentials"
	"github.com/jeranaias/quill/internal/logging"
	"github.com/jeranaias/quill/internal/model"
	"github.com/jeranaias/quill/internal/util"
)

// =============================================================================
// LIMITS
// =============================================================================

const (
	// DefaultTimeout bounds non-streaming requests when the provider
	// config does not set one.
	DefaultTimeout = 30 * time.Second
	// TestTimeout bounds connectivity probes.
	TestTimeout = 10 * time.Second
	// StreamIdleTimeout aborts a stream when no event arrives for this
	// long.
	StreamIdleTimeout = 60 * time.Second
	// StreamTotalTimeout caps the total lifetime of one stream.
	StreamTotalTimeout = 5 * time.Minute

	// MaxResponseBytes caps cumulative response size, streamed or not.
	MaxResponseBytes = 10 * 1024 * 1024
	// MaxStreamChunks caps the number of SSE events accepted per stream.
	MaxStreamChunks = 10000
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Message is one chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params override the provider's sampling defaults for a single request.
// Zero values defer to the ProviderConfig.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// Completion is a finished, non-streamed response.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        model.Usage
}

// chatRequest is the request body for both modes.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the non-streaming response body.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// errorResponse is the error envelope most providers return.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client issues chat-completion requests. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger

	maxResponseBytes int64
	maxChunks        int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger attaches a logger. The Authorization header never reaches
// it; response bodies appear only at debug level, truncated.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRateLimit replaces the default outbound pacing.
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

// NewClient creates a client with pooled transports. The non-streaming
// transport carries no client-level timeout; per-request contexts bound
// each call instead.
func NewClient(opts ...ClientOption) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		httpClient:   &http.Client{Transport: transport},
		streamClient: &http.Client{Transport: transport},
		// A gentle default: a human double-submitting should coalesce,
		// an agent loop should not hammer the provider.
		limiter:          rate.NewLimiter(rate.Limit(2), 4),
		logger:           logging.Nop(),
		maxResponseBytes: MaxResponseBytes,
		maxChunks:        MaxStreamChunks,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// SYNCHRONOUS COMPLETION
// =============================================================================

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, pc credentials.ProviderConfig, messages []Message, params Params) (*Completion, error) {
	if err := checkProviderConfig(pc); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(err)
	}

	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := chatRequest{
		Model:       pc.Model,
		Messages:    messages,
		Temperature: pickTemperature(pc, params),
		MaxTokens:   pickMaxTokens(pc, params),
		Stream:      false,
	}

	resp, err := c.send(ctx, pc, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	data, err := c.readBounded(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformedBody, Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: KindMalformedBody, Message: "response has no choices"}
	}

	c.logger.Debug("completion finished",
		zap.String("model", parsed.Model),
		zap.Int("total_tokens", parsed.Usage.TotalTokens),
		zap.String("content", logging.TruncateForLog(parsed.Choices[0].Message.Content, 256)))

	return &Completion{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: model.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// TestConnection issues a minimal one-token request to verify that the
// endpoint, model and key all line up.
func (c *Client) TestConnection(ctx context.Context, pc credentials.ProviderConfig) error {
	ctx, cancel := context.WithTimeout(ctx, TestTimeout)
	defer cancel()

	probe := pc
	probe.Timeout = TestTimeout
	_, err := c.Complete(ctx, probe, []Message{{Role: "user", Content: "ping"}}, Params{MaxTokens: 1})
	return err
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func checkProviderConfig(pc credentials.ProviderConfig) error {
	// A missing provider config is a wiring bug, not an expected failure
	// mode; it gets a plain error rather than an *Error.
	if pc.BaseURL == "" {
		return errors.New("api: provider config has no base URL")
	}
	if pc.Model == "" {
		return errors.New("api: provider config has no model")
	}
	return nil
}

func pickTemperature(pc credentials.ProviderConfig, params Params) float64 {
	if params.Temperature != 0 {
		return params.Temperature
	}
	return pc.Temperature
}

func pickMaxTokens(pc credentials.ProviderConfig, params Params) int {
	if params.MaxTokens != 0 {
		return params.MaxTokens
	}
	return pc.MaxTokens
}

func (c *Client) send(ctx context.Context, pc credentials.ProviderConfig, body chatRequest, streaming bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to marshal request: %w", err)
	}

	endpoint := EndpointURL(pc.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if pc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+pc.APIKey)
	}
	client := c.httpClient
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		client = c.streamClient
	}

	c.logger.Debug("sending request",
		zap.String("endpoint", endpoint),
		zap.String("model", body.Model),
		zap.Bool("stream", streaming))

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return resp, nil
}

// readBounded reads a body up to the response size cap.
func (c *Client) readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, &Error{Kind: KindResponseTooLarge,
			Message: fmt.Sprintf("response exceeds %d bytes", c.maxResponseBytes)}
	}
	return data, nil
}

// errorFromResponse maps a non-200 status onto the taxonomy, pulling the
// provider's error message out of the envelope when present.
func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	msg := ""
	var envelope errorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = util.TruncateUTF8(strings.TrimSpace(string(body)), 200)
	}
	return &Error{Kind: KindHTTPStatus, Status: resp.StatusCode, Message: msg}
}

// =============================================================================
// URL CONSTRUCTION
// =============================================================================

// EndpointURL derives the chat-completions endpoint from a configured base
// URL. A base that already names the endpoint is used as-is; a base with a
// version path gets "/chat/completions" appended; otherwise "/v1" is
// inserted first, matching what OpenAI-compatible servers expect.
func EndpointURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	if hasVersionSegment(base) {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func hasVersionSegment(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	if len(last) < 2 || last[0] != 'v' {
		return false
	}
	for _, r := range last[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
