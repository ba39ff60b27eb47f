// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// MESSAGE TRANSITION TESTS
// =============================================================================

func TestMessage_Lifecycle(t *testing.T) {
	msg := NewAssistantMessage()
	if msg.Status != StatusPending {
		t.Fatalf("new assistant status = %q, want pending", msg.Status)
	}

	msg = msg.WithStatus("Searching...")
	if msg.Status != StatusStreaming || msg.DisplayContent() != "Searching..." {
		t.Errorf("after status: status=%q display=%q", msg.Status, msg.DisplayContent())
	}

	msg = msg.WithContent("Hel").WithContent("lo")
	if msg.Content != "Hello" || msg.Placeholder != "" {
		t.Errorf("after content: content=%q placeholder=%q", msg.Content, msg.Placeholder)
	}

	msg = msg.Finish("")
	if msg.Status != StatusDone || msg.Content != "Hello" {
		t.Errorf("after finish: status=%q content=%q", msg.Status, msg.Content)
	}
}

func TestMessage_TerminalIsFrozen(t *testing.T) {
	tests := []struct {
		name  string
		apply func(Message) Message
	}{
		{"content", func(m Message) Message { return m.WithContent("more") }},
		{"status", func(m Message) Message { return m.WithStatus("Generating...") }},
		{"finish again", func(m Message) Message { return m.Finish("other") }},
		{"fail", func(m Message) Message { return m.Fail("boom") }},
		{"reasoning", func(m Message) Message { return m.WithReasoning("think") }},
	}

	done := NewAssistantMessage().WithContent("answer").Finish("")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.apply(done)
			if got.Content != "answer" || got.Status != StatusDone || got.ReasoningContent != "" {
				t.Errorf("terminal message changed: %+v", got)
			}
		})
	}
}

func TestMessage_FinishUsesFinalOnlyWhenEmpty(t *testing.T) {
	empty := NewAssistantMessage().Finish("from server")
	if empty.Content != "from server" {
		t.Errorf("Content = %q, want final text", empty.Content)
	}

	streamed := NewAssistantMessage().WithContent("streamed").Finish("")
	if streamed.Content != "streamed" {
		t.Errorf("Content = %q, want streamed text kept", streamed.Content)
	}
}

func TestMessage_WithReasoning(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
		want   string
	}{
		{"running total", []string{"Let", "Let me", "Let me think"}, "Let me think"},
		{"deltas", []string{"Let", " me", " think"}, "Let me think"},
		{"repeated total", []string{"Hmm", "Hmm"}, "Hmm"},
		{"empty ignored", []string{"ok", ""}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewAssistantMessage()
			for _, f := range tt.frames {
				msg = msg.WithReasoning(f)
			}
			if msg.ReasoningContent != tt.want {
				t.Errorf("ReasoningContent = %q, want %q", msg.ReasoningContent, tt.want)
			}
		})
	}
}

func TestMessage_FailKeepingContent(t *testing.T) {
	msg := NewAssistantMessage().WithContent("partial").FailKeepingContent(ConnectionFailedMarker)
	if msg.Status != StatusError {
		t.Fatalf("status = %q, want error", msg.Status)
	}
	if !strings.HasPrefix(msg.Content, "partial") || !strings.HasSuffix(msg.Content, ConnectionFailedMarker) {
		t.Errorf("Content = %q", msg.Content)
	}

	bare := NewAssistantMessage().FailKeepingContent(ConnectionFailedMarker)
	if bare.Content != ConnectionFailedMarker {
		t.Errorf("Content = %q, want bare marker", bare.Content)
	}
}

func TestMessage_Preview(t *testing.T) {
	msg := NewUserMessage("héllo\nwörld and more")
	if got := msg.Preview(8); got != "héllo..." {
		t.Errorf("Preview(8) = %q", got)
	}
	if got := msg.Preview(100); got != "héllo wörld and more" {
		t.Errorf("Preview(100) = %q", got)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewConversationID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestConversation_IsNew(t *testing.T) {
	tests := []struct {
		name string
		conv Conversation
		want bool
	}{
		{"untitled", Conversation{}, true},
		{"titled", Conversation{Title: "Solar panels"}, false},
		{"confirmed", Conversation{Confirmed: true}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.conv.IsNew(); got != tc.want {
				t.Errorf("IsNew() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConversation_CloneIsDeep(t *testing.T) {
	c := Conversation{ServerHistory: []json.RawMessage{json.RawMessage(`{"role":"user"}`)}}
	cp := c.Clone()
	cp.ServerHistory[0][2] = 'X'
	if string(c.ServerHistory[0]) != `{"role":"user"}` {
		t.Errorf("original mutated: %s", c.ServerHistory[0])
	}
}

func TestClientHistory(t *testing.T) {
	msgs := []Message{NewGreetingMessage("Hi, ask me anything")}
	for i := 0; i < 7; i++ {
		msgs = append(msgs, NewUserMessage("q"), NewAssistantMessage().WithContent("a").Finish(""))
	}
	msgs = append(msgs, NewAssistantMessage().Fail("⚠️ nope"), NewAssistantMessage())

	history := ClientHistory(msgs, 10)
	if len(history) != 10 {
		t.Fatalf("len(history) = %d, want 10", len(history))
	}

	var first HistoryTurn
	if err := json.Unmarshal(history[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Role != RoleUser || first.Content != "q" {
		t.Errorf("first turn = %+v", first)
	}

	if got := ClientHistory([]Message{NewGreetingMessage("hello")}, 10); got != nil {
		t.Errorf("greeting-only history = %v, want nil", got)
	}
}
