// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/jeranaias/kbchat/internal/model"
)

// =============================================================================
// FIELD ALIASES
// =============================================================================

// The backend has shipped several spellings of the same field. Each list is
// ordered by precedence: the first key holding a usable value wins.
var (
	contentKeys  = []string{"content", "response"}
	errorKeys    = []string{"message", "error", "detail"}
	titleKeys    = []string{"title", "content", "response"}
	refsKeys     = []string{"refs", "retrieved_docs"}
	docIDKeys    = []string{"file_id", "id"}
	docNameKeys  = []string{"filename", "name"}
	docTextKeys  = []string{"content", "text"}
	docLabelKeys = []string{"label", "name"}
)

// object is a JSON object with lazily decoded values.
type object map[string]json.RawMessage

// lookupString returns the first key whose value is a JSON string.
// Missing keys, nulls and non-string values are skipped.
func lookupString(obj object, keys ...string) (string, bool) {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

// lookupScalar is lookupString that also accepts numbers, returned in their
// literal form. Used for identifiers some endpoints send as integers.
func lookupScalar(obj object, keys ...string) string {
	if s, ok := lookupString(obj, keys...); ok {
		return s
	}
	for _, key := range keys {
		var n json.Number
		if raw, ok := obj[key]; ok && json.Unmarshal(raw, &n) == nil {
			return n.String()
		}
	}
	return ""
}

// lookupArray returns the elements of the first key holding a JSON array.
func lookupArray(obj object, keys ...string) []json.RawMessage {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok || isNull(raw) {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err == nil {
			return arr
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// serverModel extracts meta.server_model_name.
func serverModel(obj object) string {
	raw, ok := obj["meta"]
	if !ok {
		return ""
	}
	var meta object
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	name, _ := lookupString(meta, "server_model_name")
	return name
}

// retrievedDocs decodes the retrieved_docs field into documents, tolerating
// the id and name spellings used by the document and graph retrievers.
func retrievedDocs(obj object) []model.RetrievedDoc {
	items := lookupArray(obj, "retrieved_docs")
	if len(items) == 0 {
		return nil
	}

	docs := make([]model.RetrievedDoc, 0, len(items))
	for _, item := range items {
		var fields object
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		doc := model.RetrievedDoc{
			ID:       lookupScalar(fields, docIDKeys...),
			Filename: firstString(fields, docNameKeys...),
			Content:  firstString(fields, docTextKeys...),
			Label:    firstString(fields, docLabelKeys...),
			Type:     firstString(fields, "type"),
		}
		if raw, ok := fields["score"]; ok {
			if f, err := strconv.ParseFloat(string(bytes.TrimSpace(raw)), 64); err == nil {
				doc.Score = f
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

func firstString(obj object, keys ...string) string {
	s, _ := lookupString(obj, keys...)
	return s
}

// =============================================================================
// CONCATENATED OBJECT SCAN
// =============================================================================

type span struct{ start, end int }

// findObjects locates balanced top-level {...} spans in s. Braces inside
// JSON strings are ignored. Text outside any object is not interpreted.
func findObjects(s string) []span {
	var (
		spans    []span
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if depth > 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, span{start: start, end: i + 1})
			}
		}
	}
	return spans
}
