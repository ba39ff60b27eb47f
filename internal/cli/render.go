// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/store"
)

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\033[K"

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes an assistant reply to out as the store updates it.
// Only text not yet printed is written, so output is append-only. Status
// placeholders are drawn on a transient line when live is set.
type streamPrinter struct {
	st   *store.Store
	out  io.Writer
	live bool

	mu          sync.Mutex
	active      string
	printed     string
	placeholder string
}

// newStreamPrinter subscribes a printer to st. Call the returned function to
// unsubscribe.
func newStreamPrinter(st *store.Store, out io.Writer, live bool) (*streamPrinter, func()) {
	p := &streamPrinter{st: st, out: out, live: live}
	return p, st.Subscribe(p.onChange)
}

func (p *streamPrinter) onChange(c store.Change) {
	switch c.Kind {
	case store.ChangeMessageAppended:
		msg, ok := p.st.Message(c.ConversationID, c.MessageID)
		if !ok || msg.Role != model.RoleAssistant || msg.Greeting || msg.Status.IsTerminal() {
			return
		}
		p.mu.Lock()
		p.active = msg.ID
		p.printed = ""
		p.placeholder = ""
		p.mu.Unlock()

	case store.ChangeMessageUpdated:
		p.mu.Lock()
		defer p.mu.Unlock()
		if c.MessageID == "" || c.MessageID != p.active {
			return
		}
		if msg, ok := p.st.Message(c.ConversationID, c.MessageID); ok {
			p.render(msg)
		}
	}
}

func (p *streamPrinter) render(msg model.Message) {
	if msg.Content == "" && !msg.Status.IsTerminal() {
		if p.live && msg.Placeholder != p.placeholder {
			fmt.Fprint(p.out, clearLine+Paint(DimStyle, msg.Placeholder))
			p.placeholder = msg.Placeholder
		}
		return
	}
	if p.placeholder != "" {
		fmt.Fprint(p.out, clearLine)
		p.placeholder = ""
	}

	var delta string
	if strings.HasPrefix(msg.Content, p.printed) {
		delta = msg.Content[len(p.printed):]
	} else {
		// Content was replaced, e.g. by a server error.
		fmt.Fprintln(p.out)
		delta = msg.Content
	}
	if delta != "" {
		if msg.Status == model.StatusError {
			fmt.Fprint(p.out, Paint(ErrorStyle, delta))
		} else {
			fmt.Fprint(p.out, delta)
		}
	}
	p.printed = msg.Content

	if msg.Status.IsTerminal() {
		fmt.Fprintln(p.out)
		p.active = ""
	}
}

// =============================================================================
// MESSAGE FORMATTING
// =============================================================================

// sourcesLine lists the documents and model behind a reply, or "".
func sourcesLine(msg model.Message) string {
	seen := make(map[string]bool)
	var names []string
	for _, d := range msg.RetrievedDocs {
		name := d.Filename
		if name == "" {
			name = d.Label
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, c := range msg.RetrievalContexts {
		if c.Source != "" && !seen[c.Source] {
			seen[c.Source] = true
			names = append(names, c.Source)
		}
	}

	var parts []string
	if len(names) > 0 {
		parts = append(parts, "sources: "+strings.Join(names, ", "))
	}
	if msg.ServerModel != "" {
		parts = append(parts, "model: "+msg.ServerModel)
	}
	return strings.Join(parts, " · ")
}

// printMessage writes a stored message in transcript form.
func printMessage(w io.Writer, msg model.Message) {
	assistant := msg.Role == model.RoleAssistant
	fmt.Fprintf(w, "%s %s\n", RoleLabel(msg.Role.DisplayName(), assistant),
		Paint(DimStyle, msg.CreatedAt.Local().Format("15:04")))

	content := msg.DisplayContent()
	if msg.Status == model.StatusError {
		content = Paint(ErrorStyle, content)
	}
	fmt.Fprintln(w, content)
	if assistant {
		if line := sourcesLine(msg); line != "" {
			fmt.Fprintln(w, Paint(DimStyle, line))
		}
	}
	fmt.Fprintln(w)
}
