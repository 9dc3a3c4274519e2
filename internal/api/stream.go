// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/credentials"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// Chunk is one increment of a streamed completion. A non-nil Err terminates
// the stream; the channel is closed afterwards. A finished stream delivers
// its last content chunk with FinishReason set, or just closes after the
// done sentinel.
type Chunk struct {
	Content      string
	FinishReason string
	Err          error
}

// streamChunk is the wire shape of one SSE delta event.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// doneSentinel terminates an OpenAI-compatible SSE stream.
const doneSentinel = "[DONE]"

// =============================================================================
// STREAMING COMPLETION
// =============================================================================

// Stream issues a streaming chat completion and returns a channel of
// chunks. Setup failures (bad config, auth, connection refused) are
// returned synchronously; failures mid-stream arrive as a final chunk with
// Err set. The stream is finite and not restartable. Cancel the context to
// abort; the channel always gets closed.
func (c *Client) Stream(ctx context.Context, pc credentials.ProviderConfig, messages []Message, params Params) (<-chan Chunk, error) {
	if err := checkProviderConfig(pc); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(err)
	}

	ctx, cancel := context.WithTimeout(ctx, StreamTotalTimeout)

	body := chatRequest{
		Model:       pc.Model,
		Messages:    messages,
		Temperature: pickTemperature(pc, params),
		MaxTokens:   pickMaxTokens(pc, params),
		Stream:      true,
	}

	resp, err := c.send(ctx, pc, body, true)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != 200 {
		err := c.errorFromResponse(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)
		defer cancel()
		defer resp.Body.Close()
		c.readStream(ctx, resp.Body, chunks)
	}()
	return chunks, nil
}

// readStream parses SSE lines into chunks, enforcing the idle-gap, size
// and chunk-count caps.
func (c *Client) readStream(ctx context.Context, body io.Reader, chunks chan<- Chunk) {
	// The idle watchdog closes the body out from under the blocked read
	// when no event arrives in time, which surfaces as a read error below.
	idle := time.AfterFunc(StreamIdleTimeout, func() {
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
	})
	defer idle.Stop()

	reader := bufio.NewReader(body)
	var totalBytes int64
	var eventCount int

	// The terminal error chunk must reach a live consumer even when the
	// buffer is full (a slow OnChunk callback can fill it), so the send
	// blocks; the goroutine returns right after, so blocking is safe. A
	// consumer that cancelled and walked away unblocks via ctx, with one
	// last non-blocking attempt so the cancellation error is still
	// delivered when there is room.
	fail := func(err error) {
		select {
		case chunks <- Chunk{Err: err}:
		case <-ctx.Done():
			select {
			case chunks <- Chunk{Err: err}:
			default:
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			fail(classifyTransport(ctx.Err()))
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				fail(classifyTransport(ctx.Err()))
				return
			}
			fail(&Error{Kind: KindTimeout,
				Message: "stream read failed (idle timeout or connection loss)", Err: err})
			return
		}
		idle.Reset(StreamIdleTimeout)

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			// Comments, event ids and blank keepalive lines.
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return
		}

		eventCount++
		if eventCount > c.maxChunks {
			fail(&Error{Kind: KindResponseTooLarge,
				Message: fmt.Sprintf("stream exceeded %d chunks", c.maxChunks)})
			return
		}

		var parsed streamChunk
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			// A single malformed event is skipped, not fatal.
			c.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}
		if len(parsed.Choices) == 0 {
			continue
		}

		content := parsed.Choices[0].Delta.Content
		totalBytes += int64(len(content))
		if totalBytes > c.maxResponseBytes {
			fail(&Error{Kind: KindResponseTooLarge,
				Message: fmt.Sprintf("stream exceeded %d bytes", c.maxResponseBytes)})
			return
		}

		out := Chunk{Content: content, FinishReason: parsed.Choices[0].FinishReason}
		select {
		case chunks <- out:
		case <-ctx.Done():
			fail(classifyTransport(ctx.Err()))
			return
		}
		if out.FinishReason != "" {
			return
		}
	}
}
