// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/storage"
)

// fakeClock advances one second per call so creation order is explicit.
func fakeClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s := New(opts)
	s.now = fakeClock()
	return s
}

// =============================================================================
// CREATE / CURRENT
// =============================================================================

func TestCreateConversation(t *testing.T) {
	s := newTestStore(t, Options{Greeting: "Ask me about your documents."})

	id := s.CreateConversation("")
	require.NotEmpty(t, id)

	cur, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, id, cur)

	conv, ok := s.Conversation(id)
	require.True(t, ok)
	assert.True(t, conv.IsNew())

	msgs, _ := s.Messages(id)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Greeting)
	assert.Equal(t, model.StatusDone, msgs[0].Status)
}

func TestCreateConversation_UniqueIDs(t *testing.T) {
	s := newTestStore(t, Options{})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := s.CreateConversation("")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 200, s.Len())
}

func TestSetCurrent(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.CreateConversation("a")
	s.CreateConversation("b")

	require.NoError(t, s.SetCurrent(a))
	cur, _ := s.Current()
	assert.Equal(t, a, cur)

	assert.ErrorIs(t, s.SetCurrent("missing"), ErrNotFound)

	require.NoError(t, s.SetCurrent(""))
	_, ok := s.Current()
	assert.False(t, ok)
}

// =============================================================================
// RENAME
// =============================================================================

func TestRenameConversation(t *testing.T) {
	s := newTestStore(t, Options{})
	tmp := s.CreateConversation("")
	user := model.NewUserMessage("hello")
	reply := model.NewAssistantMessage()
	require.True(t, s.AppendMessage(tmp, user))
	require.True(t, s.AppendMessage(tmp, reply))

	require.NoError(t, s.RenameConversation(tmp, "srv-42"))

	assert.False(t, s.Exists(tmp))
	conv, ok := s.Conversation("srv-42")
	require.True(t, ok)
	assert.Equal(t, "srv-42", conv.ID)

	msgs, _ := s.Messages("srv-42")
	require.Len(t, msgs, 2)
	assert.Equal(t, user.ID, msgs[0].ID)

	cur, _ := s.Current()
	assert.Equal(t, "srv-42", cur)

	// Updates addressed to the provisional id go nowhere.
	assert.False(t, s.UpdateMessage(tmp, reply.ID, func(m model.Message) model.Message {
		return m.WithContent("lost")
	}))
	assert.False(t, s.Exists(tmp))
	m, _ := s.Message("srv-42", reply.ID)
	assert.Empty(t, m.Content)
}

func TestRenameConversation_Rejections(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.CreateConversation("a")
	b := s.CreateConversation("b")

	assert.ErrorIs(t, s.RenameConversation("missing", "x"), ErrNotFound)
	assert.ErrorIs(t, s.RenameConversation(a, b), ErrConflict)
	assert.ErrorIs(t, s.RenameConversation(a, ""), ErrInvalidID)
	assert.NoError(t, s.RenameConversation(a, a))

	assert.True(t, s.Exists(a))
	assert.True(t, s.Exists(b))
	assert.Equal(t, 2, s.Len())
}

func TestRenameConversation_NotCurrent(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.CreateConversation("a")
	b := s.CreateConversation("b")

	require.NoError(t, s.RenameConversation(a, "srv-a"))
	cur, _ := s.Current()
	assert.Equal(t, b, cur)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteConversation_SelectsNewestRemaining(t *testing.T) {
	s := newTestStore(t, Options{})
	oldest := s.CreateConversation("1")
	middle := s.CreateConversation("2")
	newest := s.CreateConversation("3")

	require.NoError(t, s.SetCurrent(middle))
	require.True(t, s.DeleteConversation(middle))
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, newest, cur)

	require.True(t, s.DeleteConversation(newest))
	cur, _ = s.Current()
	assert.Equal(t, oldest, cur)

	require.True(t, s.DeleteConversation(oldest))
	_, ok = s.Current()
	assert.False(t, ok, "empty store selects nothing")

	assert.False(t, s.DeleteConversation(oldest))
}

func TestDeleteConversation_NotCurrentKeepsSelection(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.CreateConversation("a")
	b := s.CreateConversation("b")

	require.True(t, s.DeleteConversation(a))
	cur, _ := s.Current()
	assert.Equal(t, b, cur)
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestUpdateMessage_FrozenStates(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.CreateConversation("")
	user := model.NewUserMessage("q")
	reply := model.NewAssistantMessage()
	s.AppendMessage(id, user)
	s.AppendMessage(id, reply)

	assert.False(t, s.UpdateMessage(id, user.ID, func(m model.Message) model.Message {
		m.Content = "edited"
		return m
	}), "user messages are immutable")

	require.True(t, s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message {
		return m.WithContent("answer").Finish("")
	}))

	called := false
	assert.False(t, s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message {
		called = true
		return m
	}))
	assert.False(t, called, "terminal messages never reach the updater")

	got, _ := s.Message(id, reply.ID)
	assert.Equal(t, "answer", got.Content)
	assert.Equal(t, model.StatusDone, got.Status)
}

func TestUpdateMessage_CannotChangeIdentity(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.CreateConversation("")
	reply := model.NewAssistantMessage()
	s.AppendMessage(id, reply)

	s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message {
		m.ID = "other"
		m.Role = model.RoleUser
		return m.WithContent("x")
	})
	got, ok := s.Message(id, reply.ID)
	require.True(t, ok)
	assert.Equal(t, model.RoleAssistant, got.Role)
}

func TestAppendMessage_Guards(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.CreateConversation("")

	assert.False(t, s.AppendMessage("missing", model.NewUserMessage("x")))

	first := model.NewAssistantMessage()
	require.True(t, s.AppendMessage(id, first))
	assert.True(t, s.HasUnfinishedReply(id))
	assert.False(t, s.AppendMessage(id, model.NewAssistantMessage()), "one unfinished reply at a time")
	assert.False(t, s.AppendMessage(id, first), "duplicate id")

	s.UpdateMessage(id, first.ID, func(m model.Message) model.Message { return m.Fail("x") })
	assert.False(t, s.HasUnfinishedReply(id))
	assert.True(t, s.AppendMessage(id, model.NewAssistantMessage()))
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.CreateConversation("")
	s.SetServerHistory(id, []json.RawMessage{json.RawMessage(`{"a":1}`)})

	conv, _ := s.Conversation(id)
	conv.ServerHistory[0][1] = 'X'
	conv.Title = "mutated"

	again, _ := s.Conversation(id)
	assert.Equal(t, `{"a":1}`, string(again.ServerHistory[0]))
	assert.Empty(t, again.Title)
}

func TestConversationMetadata(t *testing.T) {
	s := newTestStore(t, Options{})
	id := s.CreateConversation("")

	assert.True(t, s.SetTitle(id, "Solar"))
	assert.True(t, s.SetTitleGenerating(id, true))
	assert.True(t, s.MarkConfirmed(id))
	assert.False(t, s.SetTitle("missing", "x"))

	conv, _ := s.Conversation(id)
	assert.Equal(t, "Solar", conv.Title)
	assert.True(t, conv.TitleGenerating)
	assert.True(t, conv.Confirmed)
	assert.False(t, conv.IsNew())
}

func TestList_NewestFirst(t *testing.T) {
	s := newTestStore(t, Options{})
	a := s.CreateConversation("a")
	b := s.CreateConversation("b")

	// Same timestamp: creation order decides.
	frozen := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }
	c := s.CreateConversation("c")
	d := s.CreateConversation("d")

	var ids []string
	for _, conv := range s.List() {
		ids = append(ids, conv.ID)
	}
	assert.Equal(t, []string{d, c, b, a}, ids)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestSubscribe(t *testing.T) {
	s := newTestStore(t, Options{})
	var got []Change
	unsubscribe := s.Subscribe(func(c Change) { got = append(got, c) })

	id := s.CreateConversation("")
	require.NoError(t, s.RenameConversation(id, "srv"))
	unsubscribe()
	s.DeleteConversation("srv")

	require.Len(t, got, 4)
	assert.Equal(t, ChangeCreated, got[0].Kind)
	assert.Equal(t, ChangeCurrent, got[1].Kind)
	assert.Equal(t, Change{Kind: ChangeRenamed, ConversationID: "srv", OldID: id}, got[2])
	assert.Equal(t, Change{Kind: ChangeCurrent, ConversationID: "srv"}, got[3])
}

func TestSubscriberMayReadStore(t *testing.T) {
	s := newTestStore(t, Options{})
	var titles []string
	s.Subscribe(func(c Change) {
		if conv, ok := s.Conversation(c.ConversationID); ok {
			titles = append(titles, conv.Title)
		}
	})
	id := s.CreateConversation("")
	s.SetTitle(id, "hello")
	assert.Contains(t, titles, "hello")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentStreams(t *testing.T) {
	s := newTestStore(t, Options{KV: storage.NewMemoryKV()})

	const convs = 8
	var wg sync.WaitGroup
	for i := 0; i < convs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := s.CreateConversation("")
			reply := model.NewAssistantMessage()
			s.AppendMessage(id, reply)
			for j := 0; j < 100; j++ {
				s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.WithContent("x") })
			}
			s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.Finish("") })
		}()
	}
	wg.Wait()

	require.Equal(t, convs, s.Len())
	for _, conv := range s.List() {
		msgs, _ := s.Messages(conv.ID)
		require.Len(t, msgs, 1)
		assert.Len(t, msgs[0].Content, 100)
		assert.Equal(t, model.StatusDone, msgs[0].Status)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestPersistence_RoundTrip(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := newTestStore(t, Options{KV: kv})
	a := s.CreateConversation("first")
	b := s.CreateConversation("")
	s.AppendMessage(b, model.NewUserMessage("q"))
	reply := model.NewAssistantMessage()
	s.AppendMessage(b, reply)
	s.UpdateMessage(b, reply.ID, func(m model.Message) model.Message { return m.WithContent("answer").Finish("") })
	s.SetServerHistory(b, []json.RawMessage{json.RawMessage(`{"role":"user","content":"q"}`)})
	require.NoError(t, s.SetCurrent(a))

	loaded := newTestStore(t, Options{KV: kv})
	require.NoError(t, loaded.Load())

	assert.Equal(t, 2, loaded.Len())
	cur, _ := loaded.Current()
	assert.Equal(t, a, cur)

	conv, ok := loaded.Conversation(b)
	require.True(t, ok)
	require.Len(t, conv.ServerHistory, 1)
	msgs, _ := loaded.Messages(b)
	require.Len(t, msgs, 2)
	assert.Equal(t, "answer", msgs[1].Content)

	var ids []string
	for _, c := range loaded.List() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{b, a}, ids)
}

func TestPersistence_StreamingDeltasNotWritten(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := newTestStore(t, Options{KV: kv})
	id := s.CreateConversation("")
	reply := model.NewAssistantMessage()
	s.AppendMessage(id, reply)

	before, err := kv.Get(DefaultKey)
	require.NoError(t, err)
	s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.WithContent("delta") })
	after, _ := kv.Get(DefaultKey)
	assert.Equal(t, before, after)

	s.UpdateMessage(id, reply.ID, func(m model.Message) model.Message { return m.Finish("") })
	final, _ := kv.Get(DefaultKey)
	assert.Contains(t, string(final), "delta")
}

func TestLoad_FinalizesInterruptedReplies(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := newTestStore(t, Options{KV: kv})
	id := s.CreateConversation("")
	partial := model.NewAssistantMessage().WithContent("half an ans")
	s.AppendMessage(id, partial)
	require.NoError(t, s.Save())

	other := s.CreateConversation("")
	empty := model.NewAssistantMessage()
	s.AppendMessage(other, empty)

	loaded := newTestStore(t, Options{KV: kv})
	require.NoError(t, loaded.Load())

	got, _ := loaded.Message(id, partial.ID)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, "half an ans", got.Content)

	got, _ = loaded.Message(other, empty.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, model.InterruptedMarker, got.Content)
}

func TestLoad_Errors(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := newTestStore(t, Options{KV: kv})
	require.NoError(t, s.Load(), "missing key is an empty state")
	assert.Equal(t, 0, s.Len())

	require.NoError(t, kv.Set(DefaultKey, []byte("{broken")))
	assert.Error(t, s.Load())

	require.NoError(t, kv.Set(DefaultKey, []byte(`{"version":99,"conversations":[]}`)))
	err := s.Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, storage.ErrNotFound))
}

type failingKV struct{ *storage.MemoryKV }

func (f *failingKV) Set(string, []byte) error { return errors.New("disk full") }

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	s := newTestStore(t, Options{KV: &failingKV{MemoryKV: storage.NewMemoryKV()}})
	id := s.CreateConversation("")
	assert.True(t, s.Exists(id))
	assert.Error(t, s.Save())
}
