// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"

	"github.com/jeranaias/kbchat/internal/model"
)

// =============================================================================
// WIRE CONSTANTS
// =============================================================================

const (
	// DoneMarker terminates the stream.
	DoneMarker = "[DONE]"

	// PrefixConversationID carries the server-assigned conversation id.
	PrefixConversationID = "[conversation_id]:"

	// PrefixConversationTitle carries a server-assigned title.
	PrefixConversationTitle = "[conversation_title]:"

	// PrefixRAGContext carries a JSON array of retrieval contexts.
	PrefixRAGContext = "[rag_context]:"

	// SSEDataPrefix introduces an SSE data line.
	SSEDataPrefix = "data:"
)

// Status values found in the "status" field of JSON frames.
const (
	StatusSearching       = "searching"
	StatusGenerating      = "generating"
	StatusReasoning       = "reasoning"
	StatusLoading         = "loading"
	StatusFinished        = "finished"
	StatusError           = "error"
	StatusTitleGenerating = "title_generating"
	StatusTitleGenerated  = "title_generated"
)

// =============================================================================
// EVENT TYPE
// =============================================================================

// Kind identifies the variant of an Event.
type Kind int

const (
	KindConversationID Kind = iota + 1
	KindConversationTitle
	KindStatus
	KindContent
	KindRetrievalContext
	KindTitleGenerating
	KindTitleGenerated
	KindFinished
	KindError
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindConversationID:
		return "conversation_id"
	case KindConversationTitle:
		return "conversation_title"
	case KindStatus:
		return "status"
	case KindContent:
		return "content"
	case KindRetrievalContext:
		return "rag_context"
	case KindTitleGenerating:
		return "title_generating"
	case KindTitleGenerated:
		return "title_generated"
	case KindFinished:
		return "finished"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded unit of the stream. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind Kind

	// ConversationID is set for KindConversationID.
	ConversationID string

	// Title is set for KindConversationTitle and KindTitleGenerated.
	Title string

	// Status is the raw status for KindStatus (searching, generating,
	// reasoning or loading).
	Status string

	// Text is the content delta for KindContent, the optional status text
	// for KindStatus, the final text for KindFinished and the server message
	// for KindError.
	Text string

	// Reasoning is reasoning text carried by a status frame, either a delta
	// or the running total.
	Reasoning string

	History  []json.RawMessage
	Refs     []json.RawMessage
	Docs     []model.RetrievedDoc
	Contexts []model.RetrievalContext

	// ServerModel is meta.server_model_name when present.
	ServerModel string
}

// IsTerminal reports whether the event ends the assistant message.
func (e Event) IsTerminal() bool {
	return e.Kind == KindFinished || e.Kind == KindError
}
