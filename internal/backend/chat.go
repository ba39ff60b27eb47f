// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Meta carries per-request options. Zero values are omitted from the wire so
// the server applies its own defaults.
type Meta struct {
	UseGraph      bool   `json:"use_graph,omitempty"`
	UseWeb        bool   `json:"use_web,omitempty"`
	DBID          string `json:"db_id,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	ModelProvider string `json:"model_provider,omitempty"`
	ModelName     string `json:"model_name,omitempty"`
	HistoryRound  int    `json:"history_round,omitempty"`
}

// ChatRequest is the body of POST /chat/. ThreadID is omitted for a new
// conversation so the server assigns one.
type ChatRequest struct {
	Query    string            `json:"query"`
	Meta     Meta              `json:"meta"`
	ThreadID string            `json:"thread_id,omitempty"`
	History  []json.RawMessage `json:"history,omitempty"`
}

// CallRequest is the body of POST /chat/call.
type CallRequest struct {
	Query string `json:"query"`
	Meta  Meta   `json:"meta"`
}

// CallResponse is the non-streaming answer.
type CallResponse struct {
	Response string `json:"response"`
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamChat posts req and returns the response body once the server has
// answered with a 2xx status. The caller must Close the returned reader.
// Reads fail with an ErrTypeTimeout APIError when the server goes quiet for
// longer than the idle timeout.
//
// The stream request is not rate limited: one is in flight per conversation.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	idle := newIdleTimer(c.idleTimeout, cancel)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/", nil), bytes.NewReader(data))
	if err != nil {
		idle.stop()
		cancel(nil)
		return nil, &APIError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	httpReq.Header.Set("Cache-Control", "no-cache")

	c.logger.Debug().
		Str("thread_id", req.ThreadID).
		Int("history", len(req.History)).
		Str("db_id", req.Meta.DBID).
		Msg("opening chat stream")

	start := time.Now()
	resp, err := c.stream.Do(httpReq)
	if err != nil {
		apiErr := classifyTransportError(ctx, "chat stream", err)
		idle.stop()
		cancel(nil)
		c.logger.Warn().Err(err).Str("type", apiErr.Type.String()).Msg("chat stream request failed")
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError("chat stream", resp)
		resp.Body.Close()
		idle.stop()
		cancel(nil)
		c.logger.Warn().Int("status", resp.StatusCode).Str("message", apiErr.Message).Msg("chat stream rejected")
		return nil, apiErr
	}

	c.logger.Debug().Dur("ttfb", time.Since(start)).Msg("chat stream opened")
	idle.touch()
	return &idleReader{ctx: ctx, body: resp.Body, idle: idle, cancel: cancel}, nil
}

// Call asks for a complete answer without streaming.
func (c *Client) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	var out CallResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/call", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
