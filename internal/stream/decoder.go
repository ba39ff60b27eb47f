// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kbchat/internal/model"
)

// logPayloadLimit bounds how much of an unclassified payload is logged.
const logPayloadLimit = 200

// Decoder turns raw stream bytes into events. It keeps the trailing partial
// line between calls to Feed. A Decoder is not safe for concurrent use; each
// response stream gets its own.
type Decoder struct {
	buf      []byte
	done     bool
	threadID string
	logger   zerolog.Logger
}

// NewDecoder creates a decoder that reports protocol degradations at debug
// level on logger. Pass zerolog.Nop() to silence it.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Done reports whether the [DONE] terminator has been seen. Once it has,
// further input is ignored.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk to the carry buffer and returns the events of every
// complete line, in arrival order.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		events = d.decodeLine(events, line, true)
	}

	if d.done || len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return events
}

// Flush decodes whatever is left in the carry buffer. Call it once when the
// underlying stream reaches EOF.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	return d.decodeLine(nil, line, false)
}

// =============================================================================
// LINE CLASSIFICATION
// =============================================================================

// decodeLine unwraps one frame. terminated is false only for the final
// unterminated line handed over by Flush.
func (d *Decoder) decodeLine(events []Event, line string, terminated bool) []Event {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return events
	}

	if rest, ok := strings.CutPrefix(line, SSEDataPrefix); ok {
		payload := strings.TrimSpace(rest)
		if payload == "" {
			return events
		}
		return d.classify(events, payload, payload)
	}

	// Bare text keeps its line break when shown.
	visible := line
	if terminated {
		visible += "\n"
	}
	return d.classify(events, strings.TrimSpace(line), visible)
}

// classify applies the precedence rules to a trimmed payload. visible is what
// gets shown if nothing more specific matches.
func (d *Decoder) classify(events []Event, payload, visible string) []Event {
	switch {
	case payload == DoneMarker:
		d.done = true
		return events

	case strings.HasPrefix(payload, PrefixConversationID):
		id := strings.TrimSpace(payload[len(PrefixConversationID):])
		if id == "" {
			d.logger.Debug().Msg("empty conversation id control line ignored")
			return events
		}
		d.threadID = id
		return append(events, Event{Kind: KindConversationID, ConversationID: id})

	case strings.HasPrefix(payload, PrefixConversationTitle):
		title := strings.TrimSpace(payload[len(PrefixConversationTitle):])
		return append(events, Event{Kind: KindConversationTitle, Title: title})

	case strings.HasPrefix(payload, PrefixRAGContext):
		raw := strings.TrimSpace(payload[len(PrefixRAGContext):])
		var contexts []model.RetrievalContext
		if err := json.Unmarshal([]byte(raw), &contexts); err != nil {
			d.logger.Debug().Err(err).Msg("malformed rag_context delivered as text")
			return append(events, textEvent(visible))
		}
		return append(events, Event{Kind: KindRetrievalContext, Contexts: contexts})
	}

	if strings.HasPrefix(payload, "{") {
		var obj object
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			return d.classifyObject(events, obj, visible)
		}
	}

	return d.scan(events, payload, visible)
}

// classifyObject maps a JSON frame to events by its status field.
func (d *Decoder) classifyObject(events []Event, obj object, visible string) []Event {
	before := len(events)
	if tid, ok := lookupString(obj, "thread_id"); ok && tid != "" && tid != d.threadID {
		d.threadID = tid
		events = append(events, Event{Kind: KindConversationID, ConversationID: tid})
	}

	status, _ := lookupString(obj, "status")
	text, hasText := lookupString(obj, contentKeys...)
	srvModel := serverModel(obj)

	switch status {
	case StatusSearching, StatusGenerating, StatusReasoning:
		return append(events, Event{
			Kind:        KindStatus,
			Status:      status,
			Text:        text,
			Reasoning:   firstString(obj, "reasoning_content"),
			Docs:        retrievedDocs(obj),
			ServerModel: srvModel,
		})

	case StatusLoading:
		if hasText {
			return append(events, Event{Kind: KindContent, Text: text, ServerModel: srvModel})
		}
		return append(events, Event{
			Kind:        KindStatus,
			Status:      status,
			Reasoning:   firstString(obj, "reasoning_content"),
			ServerModel: srvModel,
		})

	case StatusFinished:
		return append(events, Event{
			Kind:        KindFinished,
			Text:        text,
			History:     lookupArray(obj, "history"),
			Refs:        lookupArray(obj, refsKeys...),
			Docs:        retrievedDocs(obj),
			ServerModel: srvModel,
		})

	case StatusError:
		msg, ok := lookupString(obj, errorKeys...)
		if !ok {
			msg = text
		}
		return append(events, Event{Kind: KindError, Text: msg})

	case StatusTitleGenerating:
		return append(events, Event{Kind: KindTitleGenerating})

	case StatusTitleGenerated:
		return append(events, Event{Kind: KindTitleGenerated, Title: strings.TrimSpace(firstString(obj, titleKeys...))})
	}

	if hasText {
		return append(events, Event{Kind: KindContent, Text: text, ServerModel: srvModel})
	}
	if len(events) > before {
		// thread_id alone is metadata, nothing to show.
		return events
	}

	d.logger.Debug().Str("status", status).Str("payload", truncate(visible)).Msg("unknown frame delivered as text")
	return append(events, textEvent(visible))
}

// scan is the last resort for payloads that are not a single JSON value:
// concatenated objects are classified one by one and everything else is
// shown as text.
func (d *Decoder) scan(events []Event, payload, visible string) []Event {
	spans := findObjects(payload)
	if len(spans) == 0 {
		return append(events, textEvent(visible))
	}

	parsed := make([]object, len(spans))
	decoded := false
	for i, sp := range spans {
		var obj object
		if err := json.Unmarshal([]byte(payload[sp.start:sp.end]), &obj); err == nil {
			parsed[i] = obj
			decoded = true
		}
	}
	if !decoded {
		d.logger.Debug().Str("payload", truncate(payload)).Msg("unparseable frame delivered as text")
		return append(events, textEvent(visible))
	}

	last := 0
	for i, sp := range spans {
		if gap := payload[last:sp.start]; strings.TrimSpace(gap) != "" {
			events = append(events, textEvent(gap))
		}
		segment := payload[sp.start:sp.end]
		if parsed[i] != nil {
			events = d.classifyObject(events, parsed[i], segment)
		} else {
			events = append(events, textEvent(segment))
		}
		last = sp.end
	}
	if tail := payload[last:]; strings.TrimSpace(tail) != "" {
		events = append(events, textEvent(tail))
	}
	return events
}

func textEvent(text string) Event {
	return Event{Kind: KindContent, Text: text}
}

func truncate(s string) string {
	if len(s) <= logPayloadLimit {
		return s
	}
	return s[:logPayloadLimit] + "..."
}
