// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/kbchat/internal/model"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func testOptions(dir string) *Options {
	opts := DefaultOptions()
	opts.OutputDir = dir
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

func sampleDoc() Document {
	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	greeting := model.NewGreetingMessage("Hello! Ask me anything.")
	user := model.NewUserMessage("What is the refund policy?")
	user.CreatedAt = created.Add(time.Minute)

	reply := model.NewAssistantMessage().
		WithStatus("Searching...").
		WithReasoning("Look in policy docs.").
		WithContent("Refunds are issued within *30 days*.").
		Finish("")
	reply.CreatedAt = created.Add(2 * time.Minute)
	reply.RetrievedDocs = []model.RetrievedDoc{
		{ID: "1", Filename: "policy.pdf"},
		{ID: "2", Filename: "policy.pdf"},
		{ID: "3", Label: "Refunds"},
	}
	reply.RetrievalContexts = []model.RetrievalContext{{ID: "c", Data: "...", Source: "faq.md"}}
	reply.ServerModel = "qwen-72b"

	return Document{
		Conversation: model.Conversation{
			ID:        "thread-1",
			Title:     "Refunds: a [quick] question",
			CreatedAt: created,
			UpdatedAt: created.Add(2 * time.Minute),
		},
		Messages: []model.Message{greeting, user, reply},
	}
}

func TestMarkdownExport(t *testing.T) {
	exp := NewMarkdownExporter(testOptions(t.TempDir()))
	data, err := exp.Export(sampleDoc())
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	out := string(data)

	for _, want := range []string{
		`title: "Refunds: a [quick] question"`,
		"conversation_id: thread-1",
		"messages: 2",
		"exported: 2025-03-14T09:26:53Z",
		`# Refunds: a \[quick\] question`,
		"### You <sub>09:01:00</sub>",
		"### Assistant <sub>09:02:00</sub>",
		"<details><summary>Reasoning</summary>",
		"Refunds are issued within *30 days*.",
		"Sources: policy.pdf, Refunds, faq.md | Model: qwen-72b",
		"*Exported from kbchat on 2025-03-14 09:26:53*",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q\n---\n%s", want, out)
		}
	}
	if strings.Contains(out, "Ask me anything") {
		t.Error("greeting should be omitted by default")
	}
}

func TestMarkdownExport_Options(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.IncludeMetadata = false
	opts.IncludeTimestamps = false
	opts.IncludeGreeting = true

	data, err := NewMarkdownExporter(opts).Export(sampleDoc())
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	out := string(data)

	if strings.HasPrefix(out, "---") {
		t.Error("front matter should be omitted")
	}
	if strings.Contains(out, "Sources:") {
		t.Error("sources should be omitted without metadata")
	}
	if !strings.Contains(out, "### You\n") {
		t.Error("headings should have no timestamps")
	}
	if !strings.Contains(out, "Ask me anything") {
		t.Error("greeting should be included")
	}
}

func TestMarkdownExport_UnfinishedAndEmpty(t *testing.T) {
	doc := sampleDoc()
	pending := model.NewAssistantMessage().WithContent("partial")
	doc.Messages = []model.Message{model.NewUserMessage("q"), pending}

	data, err := NewMarkdownExporter(testOptions(t.TempDir())).Export(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "partial\n\n*(response incomplete)*") {
		t.Errorf("unfinished reply not marked:\n%s", data)
	}

	doc.Messages = nil
	data, err = NewMarkdownExporter(testOptions(t.TempDir())).Export(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "*No messages.*") {
		t.Errorf("empty conversation not noted:\n%s", data)
	}
}

func TestExport_Validation(t *testing.T) {
	for _, exp := range []Exporter{NewMarkdownExporter(nil), NewJSONExporter(nil)} {
		if _, err := exp.Export(Document{}); err == nil {
			t.Errorf("%T: expected error for empty document", exp)
		}
		doc := sampleDoc()
		doc.Conversation.CreatedAt = time.Time{}
		if _, err := exp.Export(doc); err == nil {
			t.Errorf("%T: expected error for zero timestamp", exp)
		}
	}
}

func TestJSONExport(t *testing.T) {
	data, err := NewJSONExporter(testOptions(t.TempDir())).Export(sampleDoc())
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	var got struct {
		Generator    string          `json:"generator"`
		ExportedAt   time.Time       `json:"exported_at"`
		Conversation json.RawMessage `json:"conversation"`
		Messages     []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.Generator != "kbchat" || !got.ExportedAt.Equal(fixedNow) {
		t.Errorf("header = %q %v", got.Generator, got.ExportedAt)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (greeting dropped)", len(got.Messages))
	}
	if got.Messages[1].ServerModel != "qwen-72b" || len(got.Messages[1].RetrievedDocs) != 3 {
		t.Errorf("reply metadata lost: %+v", got.Messages[1])
	}
}

func TestForFormat(t *testing.T) {
	tests := map[string]string{"": ".md", "md": ".md", "Markdown": ".md", "json": ".json"}
	for name, ext := range tests {
		exp, err := ForFormat(name, nil)
		if err != nil {
			t.Errorf("ForFormat(%q) error: %v", name, err)
			continue
		}
		if exp.FileExtension() != ext {
			t.Errorf("ForFormat(%q) extension = %s, want %s", name, exp.FileExtension(), ext)
		}
	}
	if _, err := ForFormat("html", nil); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ForFormat(html) = %v, want ErrUnknownFormat", err)
	}
}

func TestExportToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	opts := testOptions(dir)

	path, err := ExportToFile(sampleDoc(), NewJSONExporter(opts), opts)
	if err != nil {
		t.Fatalf("ExportToFile() error: %v", err)
	}
	want := filepath.Join(dir, "conversation_Refunds-_a_[quick]_question_20250314_092653.json")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "conversation"},
		{"   ", "conversation"},
		{"a/b\\c:d", "a-b-c-d"},
		{"two words\tand\nlines", "two_words_and_lines"},
		{"bell\x07", "bell-"},
		{strings.Repeat("é", 80), strings.Repeat("é", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeYAML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a: b", `"a: b"`},
		{"line\nbreak", `"line\nbreak"`},
		{`back\slash`, `"back\\slash"`},
		{`say "hi"`, `"say \"hi\""`},
	}
	for _, tt := range tests {
		if got := escapeYAML(tt.in); got != tt.want {
			t.Errorf("escapeYAML(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
