// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"time"
)

// DefaultTitle is shown for conversations whose title is still empty.
const DefaultTitle = "New Conversation"

// Conversation is the metadata of one chat thread. Its messages live next to
// it in the store, keyed by the same ID.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ServerHistory is the server's view of the thread, replayed verbatim on
	// the next request. Only the chat engine writes it.
	ServerHistory []json.RawMessage `json:"server_history,omitempty"`

	// TitleGenerating is set while the server is producing a title.
	TitleGenerating bool `json:"-"`

	// Confirmed is set once the server has acknowledged ID as a thread id.
	Confirmed bool `json:"confirmed,omitempty"`
}

// NewConversationID returns a collision-free provisional conversation id.
func NewConversationID() string {
	return "conv_" + compactUUID()
}

// IsNew reports whether the next request should let the server assign the
// thread id. An empty title is the "never exchanged" sentinel.
func (c Conversation) IsNew() bool {
	return c.Title == "" && !c.Confirmed
}

// GetTitle returns the title, or DefaultTitle when untitled.
func (c Conversation) GetTitle() string {
	if c.Title == "" {
		return DefaultTitle
	}
	return c.Title
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	if c.ServerHistory != nil {
		h := make([]json.RawMessage, len(c.ServerHistory))
		for i, turn := range c.ServerHistory {
			h[i] = append(json.RawMessage(nil), turn...)
		}
		c.ServerHistory = h
	}
	return c
}

// HistoryTurn is the role/content pair sent as history when the server has
// not yet returned its own.
type HistoryTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ClientHistory builds request history from local messages, keeping at most
// the last limit completed turns. Greetings, failures and unfinished replies
// are skipped.
func ClientHistory(messages []Message, limit int) []json.RawMessage {
	var turns []HistoryTurn
	for _, m := range messages {
		if m.Greeting || m.Status != StatusDone || m.Content == "" {
			continue
		}
		turns = append(turns, HistoryTurn{Role: m.Role, Content: m.Content})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) == 0 {
		return nil
	}

	out := make([]json.RawMessage, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}
