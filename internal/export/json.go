// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/kbchat/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// jsonDocument is the exported file layout.
type jsonDocument struct {
	Generator    string             `json:"generator"`
	ExportedAt   time.Time          `json:"exported_at"`
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

// JSONExporter exports the complete conversation as indented JSON. Only
// IncludeGreeting is honored; everything else is always included.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a conversation to JSON.
func (e *JSONExporter) Export(doc Document) ([]byte, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}
	msgs := visibleMessages(doc.Messages, e.options)
	if msgs == nil {
		msgs = []model.Message{}
	}
	return json.MarshalIndent(jsonDocument{
		Generator:    "kbchat",
		ExportedAt:   e.options.now().UTC(),
		Conversation: doc.Conversation,
		Messages:     msgs,
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
