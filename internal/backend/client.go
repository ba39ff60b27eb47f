// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

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

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Configuration constants for the chat backend.
const (
	// DefaultBaseURL is where the backend listens in a local install.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds REST calls. Streams are bounded by the idle timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultStreamIdleTimeout fails a stream that stops sending bytes.
	DefaultStreamIdleTimeout = 120 * time.Second

	// DefaultRequestsPerSecond is the REST rate limit.
	DefaultRequestsPerSecond = 5

	// MaxResponseSize caps REST response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBody caps how much of an error body is read for the message.
	maxErrorBody = 4 * 1024
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
)

// Config holds client configuration.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	StreamIdleTimeout time.Duration
	RequestsPerSecond float64 // <= 0 disables the limiter
	Burst             int

	// HTTPClient overrides the pooled client, mainly for tests.
	HTTPClient *http.Client
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Timeout:           DefaultTimeout,
		StreamIdleTimeout: DefaultStreamIdleTimeout,
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultRequestsPerSecond,
	}
}

// Client talks to the chat backend. It is safe for concurrent use.
type Client struct {
	base        *url.URL
	rest        *http.Client
	stream      *http.Client
	idleTimeout time.Duration
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

// New creates a client. Zero fields in cfg take their defaults.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StreamIdleTimeout < 0 {
		cfg.StreamIdleTimeout = 0
	} else if cfg.StreamIdleTimeout == 0 {
		cfg.StreamIdleTimeout = def.StreamIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: missing host", cfg.BaseURL)
	}

	transport := http.RoundTripper(sharedTransport)
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		transport = cfg.HTTPClient.Transport
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	return &Client{
		base: base,
		rest: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		// Streaming requests have no overall timeout; the context and the
		// idle timer bound them.
		stream:      &http.Client{Transport: transport},
		idleTimeout: cfg.StreamIdleTimeout,
		limiter:     limiter,
		logger:      logger.With().Str("component", "backend").Logger(),
	}, nil
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// endpoint resolves an already-escaped path (and optional query) against the
// base URL. A trailing slash on path is kept.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// =============================================================================
// REST HELPERS
// =============================================================================

// doJSON performs a rate-limited REST call. body (if non-nil) is sent as
// JSON; out (if non-nil) receives the decoded response.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return classifyTransportError(ctx, op, ctx.Err())
		}
		return &APIError{Type: ErrTypeTimeout, Message: op + " rate limited", Cause: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &APIError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return &APIError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.rest.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("request failed")
		return classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return nil
	}

	data, err := readResponse(resp)
	if err != nil {
		return &APIError{Type: ErrTypeInvalidResponse, Message: "failed to read response", Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// readResponse reads a size-limited response body.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// statusError builds an APIError from a non-2xx response, preferring the
// server's own explanation (FastAPI "detail" or a "message" field).
func statusError(op string, resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := serverMessage(data)
	if msg == "" {
		msg = op + ": " + resp.Status
	}
	return &APIError{Type: ErrTypeHTTPStatus, StatusCode: resp.StatusCode, Message: msg}
}

func serverMessage(data []byte) string {
	var body struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil && detail != "" {
		return detail
	}
	if body.Message != "" {
		return body.Message
	}
	if len(body.Detail) > 0 {
		return string(body.Detail)
	}
	return ""
}

// IsRetryable reports whether err is worth retrying from the UI (network
// trouble or a 5xx), as opposed to a request the server rejected.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Type {
	case ErrTypeConnection, ErrTypeTimeout:
		return true
	case ErrTypeHTTPStatus:
		return apiErr.StatusCode >= 500
	default:
		return false
	}
}
