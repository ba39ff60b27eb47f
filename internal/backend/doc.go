// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend is the HTTP client for the knowledge-base chat server.
//
// It covers the streaming chat endpoint and the REST collaborators:
//
//   - POST /chat/                  streaming answer (StreamChat)
//   - POST /chat/call              one-shot answer (Call)
//   - GET  /chat/models            provider model list (ListModels)
//   - POST /chat/models/update     replace a provider's model list (UpdateModels)
//   - GET  /chat/sessions/{id}     server-side thread history (GetSession)
//   - DELETE /chat/sessions/{id}   drop a server-side thread (DeleteSession)
//
// StreamChat returns the raw response body wrapped in an inactivity timer:
// if no bytes arrive for Config.StreamIdleTimeout the read fails with an
// ErrTypeTimeout APIError. Decoding the body is the stream package's job.
//
// REST calls share a client-side token bucket (golang.org/x/time/rate) so a
// burst of UI actions cannot flood the server.
//
// All failures are returned as *APIError, which classifies them by ErrorType:
//
//	var apiErr *backend.APIError
//	if errors.As(err, &apiErr) && apiErr.Type == backend.ErrTypeConnection {
//	    // server unreachable
//	}
package backend
