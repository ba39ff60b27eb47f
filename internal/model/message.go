// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// STATUS TYPE
// =============================================================================

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// =============================================================================
// USER-VISIBLE MARKERS
// =============================================================================

const (
	// ErrorMarker prefixes server-reported failures.
	ErrorMarker = "⚠️ Request failed:"

	// ConnectionFailedMarker replaces or follows content after a transport failure.
	ConnectionFailedMarker = "⚠️ Could not reach the server. Check your connection and try again."

	// EmptyResponseMarker is shown when a stream ends without producing anything.
	EmptyResponseMarker = "⚠️ The server closed the stream without a response."

	// InterruptedMarker marks replies that were still streaming when the client exited.
	InterruptedMarker = "⚠️ Response interrupted."

	// CanceledMarker marks replies the user stopped before any text arrived.
	CanceledMarker = "⚠️ Request canceled."
)

// =============================================================================
// RETRIEVAL TYPES
// =============================================================================

// RetrievedDoc is one knowledge-base hit returned alongside an answer.
type RetrievedDoc struct {
	Type     string  `json:"type,omitempty"` // "document" or "graph_node"
	ID       string  `json:"id,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Content  string  `json:"content,omitempty"`
	Label    string  `json:"label,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// RetrievalContext is a raw chunk of context the server used for retrieval
// augmentation.
type RetrievalContext struct {
	ID     string `json:"id"`
	Data   string `json:"data"`
	Source string `json:"source,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Messages are values. Mutation happens by producing a new value with one of
// the With* helpers, which all refuse to touch a terminal message.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`
	Status  Status `json:"status"`

	// Placeholder is transient indicator text ("Searching...") shown while
	// Content is still empty. It is never sent back to the server.
	Placeholder string `json:"-"`

	ReasoningContent  string             `json:"reasoning_content,omitempty"`
	Refs              []json.RawMessage  `json:"refs,omitempty"`
	RetrievedDocs     []RetrievedDoc     `json:"retrieved_docs,omitempty"`
	RetrievalContexts []RetrievalContext `json:"retrieval_contexts,omitempty"`
	ServerModel       string             `json:"server_model,omitempty"`

	// Greeting marks the client-side welcome message seeded into new
	// conversations. Greetings are not replayed as history.
	Greeting bool `json:"greeting,omitempty"`
}

// NewMessageID returns a collision-free message identifier.
func NewMessageID() string {
	return "msg_" + compactUUID()
}

// NewUserMessage creates a completed user message.
func NewUserMessage(content string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		Content:   content,
		Status:    StatusDone,
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage creates an empty assistant reply waiting for the stream.
func NewAssistantMessage() Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleAssistant,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// NewGreetingMessage creates the completed welcome message for a new conversation.
func NewGreetingMessage(content string) Message {
	msg := NewAssistantMessage()
	msg.Content = content
	msg.Status = StatusDone
	msg.Greeting = true
	return msg
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// WithStatus marks the message as streaming and replaces the placeholder.
func (m Message) WithStatus(placeholder string) Message {
	if m.Status.IsTerminal() {
		return m
	}
	m.Status = StatusStreaming
	if placeholder != "" {
		m.Placeholder = placeholder
	}
	return m
}

// WithContent appends a delta to the message content.
func (m Message) WithContent(delta string) Message {
	if m.Status.IsTerminal() {
		return m
	}
	m.Status = StatusStreaming
	m.Placeholder = ""
	m.Content += delta
	return m
}

// WithReasoning records reasoning text. The server may send either a delta
// or the running total; text that extends what is stored replaces it.
func (m Message) WithReasoning(text string) Message {
	if m.Status.IsTerminal() || text == "" {
		return m
	}
	if m.ReasoningContent != "" && strings.HasPrefix(text, m.ReasoningContent) {
		m.ReasoningContent = text
		return m
	}
	m.ReasoningContent += text
	return m
}

// Finish moves the message to done. Accumulated content is kept; final is
// only used when nothing was streamed before the terminal frame.
func (m Message) Finish(final string) Message {
	if m.Status.IsTerminal() {
		return m
	}
	if m.Content == "" {
		m.Content = final
	}
	m.Status = StatusDone
	m.Placeholder = ""
	return m
}

// Fail moves the message to error with the given visible text.
func (m Message) Fail(text string) Message {
	if m.Status.IsTerminal() {
		return m
	}
	m.Content = text
	m.Status = StatusError
	m.Placeholder = ""
	return m
}

// FailKeepingContent moves the message to error and appends the marker below
// any text that already streamed.
func (m Message) FailKeepingContent(marker string) Message {
	if m.Content == "" {
		return m.Fail(marker)
	}
	return m.Fail(m.Content + "\n\n" + marker)
}

// =============================================================================
// DISPLAY HELPERS
// =============================================================================

// DisplayContent returns what a renderer should show right now.
func (m Message) DisplayContent() string {
	if m.Content == "" && !m.Status.IsTerminal() {
		return m.Placeholder
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m Message) Preview(maxLen int) string {
	content := strings.Join(strings.Fields(m.DisplayContent()), " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Refs != nil {
		m.Refs = append([]json.RawMessage(nil), m.Refs...)
	}
	if m.RetrievedDocs != nil {
		m.RetrievedDocs = append([]RetrievedDoc(nil), m.RetrievedDocs...)
	}
	if m.RetrievalContexts != nil {
		m.RetrievalContexts = append([]RetrievalContext(nil), m.RetrievalContexts...)
	}
	return m
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
