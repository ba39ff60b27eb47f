// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Timestamp accepts RFC 3339 strings or Unix seconds (integer or fractional).
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = unixFloat(f)
			return nil
		}
		return errors.New("unrecognised timestamp " + strconv.Quote(s))
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	t.Time = unixFloat(f)
	return nil
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Session is a server-side conversation thread.
type Session struct {
	ID        string            `json:"id"`
	History   []json.RawMessage `json:"history"`
	CreatedAt Timestamp         `json:"created_at"`
	UpdatedAt Timestamp         `json:"updated_at"`
}

// GetSession fetches the server's history for threadID. A missing thread
// matches ErrNotFound; a server without session storage matches
// ErrUnavailable.
func (c *Client) GetSession(ctx context.Context, threadID string) (*Session, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, "/chat/sessions/"+url.PathEscape(threadID), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = threadID
	}
	return &out, nil
}

// DeleteSession removes the server-side thread.
func (c *Client) DeleteSession(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/chat/sessions/"+url.PathEscape(threadID), nil, nil, nil)
}
