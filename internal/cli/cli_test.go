// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/store"
)

func TestMain(m *testing.M) {
	ForceColorsEnabled(false)
	os.Exit(m.Run())
}

// =============================================================================
// HARNESS
// =============================================================================

// fakeServer is a scripted chat backend.
type fakeServer struct {
	mu       sync.Mutex
	requests []backend.ChatRequest
	deleted  []string
	frames   func(req backend.ChatRequest) []string
}

func sse(v map[string]any) string {
	data, _ := json.Marshal(v)
	return "data: " + string(data) + "\n\n"
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/", func(w http.ResponseWriter, r *http.Request) {
		var req backend.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range f.frames(req) {
			_, _ = io.WriteString(w, line)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("POST /chat/call", func(w http.ResponseWriter, r *http.Request) {
		var req backend.CallRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "called: " + req.Query})
	})
	mux.HandleFunc("GET /chat/models", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "openai", r.URL.Query().Get("model_provider"))
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []any{"gpt-4o", map[string]string{"name": "o3"}}})
	})
	mux.HandleFunc("GET /chat/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         r.PathValue("id"),
			"history":    []any{map[string]string{"role": "user", "content": "hi"}},
			"created_at": 1700000000,
		})
	})
	mux.HandleFunc("DELETE /chat/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// answer streams a finished reply with the given thread id.
func answer(threadID, text string) func(backend.ChatRequest) []string {
	return func(backend.ChatRequest) []string {
		return []string{
			sse(map[string]any{"status": "searching", "thread_id": threadID}),
			sse(map[string]any{"status": "loading", "response": text[:len(text)/2], "thread_id": threadID}),
			sse(map[string]any{"status": "loading", "response": text[len(text)/2:], "thread_id": threadID}),
			sse(map[string]any{
				"status": "finished", "thread_id": threadID, "history": []string{"turn"},
				"retrieved_docs": []map[string]string{{"filename": "handbook.pdf"}},
			}),
			sse(map[string]any{"status": "title_generated", "title": "Handbook question", "thread_id": threadID}),
		}
	}
}

type harness struct {
	t    *testing.T
	home string
	srv  *httptest.Server
	fake *fakeServer
}

func newHarness(t *testing.T, frames func(backend.ChatRequest) []string) *harness {
	t.Helper()
	home := t.TempDir()
	t.Setenv("KBCHAT_HOME", home)
	for _, k := range []string{"KBCHAT_CONFIG", "KBCHAT_BASE_URL", "KBCHAT_TIMEOUT", "KBCHAT_DB_ID",
		"KBCHAT_MODEL_PROVIDER", "KBCHAT_MODEL", "KBCHAT_USE_GRAPH", "KBCHAT_USE_WEB",
		"KBCHAT_STORAGE", "KBCHAT_STORAGE_PATH", "KBCHAT_LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	fake := &fakeServer{frames: frames}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return &harness{t: t, home: home, srv: srv, fake: fake}
}

// run executes kbchat with args against the fake server.
func (h *harness) run(stdin string, args ...string) (stdout, stderr string, code int) {
	h.t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--base-url", h.srv.URL}, args...))

	err := root.ExecuteContext(context.Background())
	if err != nil {
		PrintError(&errOut, err)
	}
	return out.String(), errOut.String(), ExitCode(err)
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk_StreamsAndSaves(t *testing.T) {
	h := newHarness(t, answer("thread-1", "Refunds take 30 days."))

	out, stderr, code := h.run("", "ask", "--kb", "policies", "--graph", "how", "long?")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "Refunds take 30 days.\n")
	assert.Contains(t, out, "sources: handbook.pdf")
	assert.NotContains(t, out, "Searching", "placeholders are not drawn on a pipe")

	require.Len(t, h.fake.requests, 1)
	req := h.fake.requests[0]
	assert.Equal(t, "how long?", req.Query)
	assert.Equal(t, "policies", req.Meta.DBID)
	assert.True(t, req.Meta.UseGraph)
	assert.Empty(t, req.ThreadID, "a new conversation lets the server pick the id")

	// The second question continues the server thread.
	_, stderr, code = h.run("", "ask", "and exchanges?")
	require.Equal(t, ExitSuccess, code, stderr)
	require.Len(t, h.fake.requests, 2)
	assert.Equal(t, "thread-1", h.fake.requests[1].ThreadID)

	out, _, code = h.run("", "conversations", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Handbook question")
	assert.Contains(t, out, "* ")
}

func TestAsk_FromStdinAndJSON(t *testing.T) {
	h := newHarness(t, answer("thread-2", "Yes."))

	out, stderr, code := h.run("is it open?\n", "--json", "ask", "-")
	require.Equal(t, ExitSuccess, code, stderr)

	var resp struct {
		Success bool      `json:"success"`
		Data    askResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "thread-2", resp.Data.ConversationID)
	assert.Equal(t, "Yes.", resp.Data.Content)
	assert.Equal(t, []string{"handbook.pdf"}, resp.Data.Sources)
	assert.Equal(t, "is it open?", h.fake.requests[0].Query)
}

func TestAsk_ServerError(t *testing.T) {
	h := newHarness(t, func(backend.ChatRequest) []string {
		return []string{sse(map[string]any{"status": "error", "message": "index offline"})}
	})

	out, stderr, code := h.run("", "ask", "q")
	assert.Equal(t, ExitGeneralError, code)
	assert.Contains(t, out, model.ErrorMarker+" index offline")
	assert.Empty(t, stderr, "the marker is not repeated as an error line")
}

func TestAsk_ConnectionRefused(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))
	h.srv.Close()

	out, stderr, code := h.run("", "ask", "q")
	assert.Equal(t, ExitNetworkError, code)
	assert.Contains(t, out, model.ConnectionFailedMarker)
	assert.Contains(t, stderr, "Error:")
}

func TestAsk_NoStream(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))

	out, stderr, code := h.run("", "ask", "--no-stream", "ping")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, "called: ping\n", out)
	assert.Empty(t, h.fake.requests)
}

func TestAsk_EmptyQuestion(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))
	_, _, code := h.run("   ", "ask", "-")
	assert.Equal(t, ExitUsageError, code)
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))
	_, stderr, code := h.run("", "ask", "--bogus", "q")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, stderr, "bogus")
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestConversations_ShowRenameExportDelete(t *testing.T) {
	h := newHarness(t, answer("thread-9", "Forty two."))
	_, stderr, code := h.run("", "ask", "meaning?")
	require.Equal(t, ExitSuccess, code, stderr)

	out, _, code := h.run("", "conversations", "show", "1")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Handbook question")
	assert.Contains(t, out, "meaning?")
	assert.Contains(t, out, "Forty two.")

	_, _, code = h.run("", "conversations", "rename", "thread", "Deep", "thought")
	require.Equal(t, ExitSuccess, code)

	out, _, _ = h.run("", "--json", "conversations", "list")
	var list struct {
		Data []conversationSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "Deep thought", list.Data[0].Title)
	assert.Equal(t, 3, list.Data[0].Messages, "greeting, question and answer")
	assert.True(t, list.Data[0].Confirmed)

	dir := t.TempDir()
	out, stderr, code = h.run("", "conversations", "export", "current", "-f", "json", "-o", dir)
	require.Equal(t, ExitSuccess, code, stderr)
	files, _ := filepath.Glob(filepath.Join(dir, "conversation_Deep_thought_*.json"))
	assert.Len(t, files, 1, out)

	_, stderr, code = h.run("", "conversations", "delete", "--remote", "thread-9")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Equal(t, []string{"thread-9"}, h.fake.deleted)

	_, _, code = h.run("", "conversations", "show", "thread-9")
	assert.Equal(t, ExitNotFoundError, code)
}

func TestConversations_Session(t *testing.T) {
	h := newHarness(t, answer("thread-s", "ok"))
	_, _, code := h.run("", "ask", "q")
	require.Equal(t, ExitSuccess, code)

	out, stderr, code := h.run("", "conversations", "session", "--sync", "thread-s")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "thread-s")
	assert.Contains(t, out, `"content":"hi"`)
	assert.Contains(t, out, "History synced")

	// The synced history is replayed on the next question.
	_, _, code = h.run("", "ask", "again")
	require.Equal(t, ExitSuccess, code)
	last := h.fake.requests[len(h.fake.requests)-1]
	require.Len(t, last.History, 1)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(last.History[0]))
}

// =============================================================================
// MODELS AND CONFIG
// =============================================================================

func TestModels(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))

	out, stderr, code := h.run("", "models", "--provider", "OpenAI")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "o3")
	assert.NotContains(t, out, "stale")
}

func TestConfig_SetGetShow(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))

	_, stderr, code := h.run("", "config", "set", "chat.db_id", "manuals")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.FileExists(t, filepath.Join(h.home, "config.toml"))

	out, _, code := h.run("", "config", "get", "chat.db_id")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "manuals\n", out)

	out, _, code = h.run("", "config", "show")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `db_id = "manuals"`)

	_, _, code = h.run("", "config", "set", "chat.history_turns", "0")
	assert.Equal(t, ExitConfigError, code)

	_, _, code = h.run("", "config", "set", "no.such.key", "1")
	assert.Equal(t, ExitUsageError, code)

	_, _, code = h.run("", "config", "init")
	assert.Equal(t, ExitUsageError, code, "init refuses to overwrite")
}

func TestVersion(t *testing.T) {
	h := newHarness(t, answer("x", "unused"))
	out, _, code := h.run("", "--json", "version")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, fmt.Sprintf(`"version": %q`, Version))
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// scriptedReader feeds fixed lines to a session.
type scriptedReader struct {
	lines   []string
	history []string
}

func (r *scriptedReader) Prompt(string) (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) AppendHistory(line string) { r.history = append(r.history, line) }
func (r *scriptedReader) Close() error              { return nil }

func TestSession_SlashCommandsAndQuestions(t *testing.T) {
	h := newHarness(t, answer("thread-c", "Chat answer."))
	root := NewRootCommand()
	g := &globalOptions{baseURL: h.srv.URL}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)

	err := withApp(root, g, func(app *App) error {
		s := &session{app: app, out: &out}
		in := &scriptedReader{lines: []string{
			"/kb manuals",
			"/graph on",
			"first question",
			"/title Renamed chat",
			"/bogus",
			"/new",
			"/list",
			"/quit",
			"never sent",
		}}
		return s.run(context.Background(), in)
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Chat answer.")
	assert.Contains(t, text, "Renamed to Renamed chat")
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "New conversation")
	assert.Contains(t, text, "Renamed chat")

	require.Len(t, h.fake.requests, 1)
	assert.Equal(t, "manuals", h.fake.requests[0].Meta.DBID)
	assert.True(t, h.fake.requests[0].Meta.UseGraph)
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

func TestStreamPrinter(t *testing.T) {
	st := store.New(store.Options{})
	var out bytes.Buffer
	_, unsubscribe := newStreamPrinter(st, &out, true)
	defer unsubscribe()

	id := st.CreateConversation("")
	reply := model.NewAssistantMessage()
	require.True(t, st.AppendMessage(id, reply))

	update := func(fn func(model.Message) model.Message) {
		require.True(t, st.UpdateMessage(id, reply.ID, fn))
	}
	update(func(m model.Message) model.Message { return m.WithStatus("Searching...") })
	update(func(m model.Message) model.Message { return m.WithContent("Hel") })
	update(func(m model.Message) model.Message { return m.WithContent("lo") })
	update(func(m model.Message) model.Message { return m.Finish("") })

	assert.Equal(t, clearLine+"Searching..."+clearLine+"Hello\n", out.String())
}

func TestStreamPrinter_ReplacedContent(t *testing.T) {
	st := store.New(store.Options{})
	var out bytes.Buffer
	_, unsubscribe := newStreamPrinter(st, &out, false)
	defer unsubscribe()

	id := st.CreateConversation("")
	reply := model.NewAssistantMessage()
	require.True(t, st.AppendMessage(id, reply))
	require.True(t, st.UpdateMessage(id, reply.ID, func(m model.Message) model.Message {
		return m.WithStatus("Thinking...")
	}))
	require.True(t, st.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.WithContent("partial") }))
	require.True(t, st.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.Fail("boom") }))

	assert.Equal(t, "partial\nboom\n", out.String())
}

func TestResolveConversation(t *testing.T) {
	st := store.New(store.Options{})
	app := &App{Store: st}

	_, err := app.resolveConversation("")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	a := st.CreateConversation("A")
	b := st.CreateConversation("B")

	id, err := app.resolveConversation("current")
	require.NoError(t, err)
	assert.Equal(t, b, id)

	id, err = app.resolveConversation(a)
	require.NoError(t, err)
	assert.Equal(t, a, id)

	id, err = app.resolveConversation(a[:len(a)-4])
	require.NoError(t, err)
	assert.Equal(t, a, id)

	_, err = app.resolveConversation("conv_")
	var usage *UsageError
	assert.ErrorAs(t, err, &usage, "ambiguous prefix")

	_, err = app.resolveConversation("99")
	assert.ErrorAs(t, err, &nf)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{&UsageError{Message: "x"}, ExitUsageError},
		{&NotFoundError{Resource: "conversation", ID: "x"}, ExitNotFoundError},
		{backend.ErrNotFound, ExitNotFoundError},
		{context.Canceled, ExitInterrupted},
		{&backend.APIError{Type: backend.ErrTypeConnection}, ExitNetworkError},
		{&ReplyError{}, ExitGeneralError},
		{fmt.Errorf("wrapped: %w", backend.ErrTimeout), ExitTimeoutError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
