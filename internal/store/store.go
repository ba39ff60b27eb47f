// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a conversation id is unknown.
	ErrNotFound = errors.New("conversation not found")

	// ErrConflict is returned when a rename target already exists.
	ErrConflict = errors.New("conversation id already exists")

	// ErrInvalidID is returned for empty conversation ids.
	ErrInvalidID = errors.New("invalid conversation id")
)

// DefaultKey is the KV key holding the serialised state.
const DefaultKey = "conversations"

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeKind identifies what a Change describes.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeRenamed
	ChangeDeleted
	ChangeConversationUpdated
	ChangeMessageAppended
	ChangeMessageUpdated
	ChangeCurrent
)

// Change is delivered to subscribers after a mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	OldID          string // set for ChangeRenamed
	MessageID      string // set for message changes
}

// =============================================================================
// STORE
// =============================================================================

type entry struct {
	conv     model.Conversation
	messages []model.Message
	seq      uint64
}

// Options configures a Store.
type Options struct {
	// KV persists state. Nil keeps everything in memory.
	KV storage.KV
	// Key is the KV key (default: DefaultKey).
	Key string
	// Greeting, when set, is seeded as an assistant message into every new
	// conversation.
	Greeting string
	Logger   zerolog.Logger
}

// Store is the conversation state container. The zero value is not usable;
// call New.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	currentID string
	seq       uint64
	gen       uint64

	greeting string
	logger   zerolog.Logger
	now      func() time.Time

	kv       storage.KV
	key      string
	saveMu   sync.Mutex
	savedGen uint64

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// New creates an empty store.
func New(opts Options) *Store {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		entries:  make(map[string]*entry),
		greeting: opts.Greeting,
		logger:   opts.Logger.With().Str("component", "store").Logger(),
		now:      time.Now,
		kv:       opts.KV,
		key:      key,
		subs:     make(map[int]func(Change)),
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the goroutine that made the change, after the
// store lock is released.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversation adds a conversation with a fresh provisional id, makes
// it current and returns the id.
func (s *Store) CreateConversation(title string) string {
	s.mu.Lock()
	id := model.NewConversationID()
	for s.entries[id] != nil {
		id = model.NewConversationID()
	}

	now := s.now()
	e := &entry{
		conv: model.Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now},
		seq:  s.nextSeq(),
	}
	if s.greeting != "" {
		e.messages = append(e.messages, model.NewGreetingMessage(s.greeting))
	}
	s.entries[id] = e
	s.currentID = id
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("conversation_id", id).Msg("conversation created")
	s.persist(snap)
	s.notify(Change{Kind: ChangeCreated, ConversationID: id}, Change{Kind: ChangeCurrent, ConversationID: id})
	return id
}

// RenameConversation moves a conversation and its messages from oldID to
// newID in one step. The current selection follows the move. Renaming onto an
// existing conversation is rejected and nothing changes.
func (s *Store) RenameConversation(oldID, newID string) error {
	if newID == "" {
		return ErrInvalidID
	}
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	e, ok := s.entries[oldID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("old_id", oldID).Str("new_id", newID).Msg("rename of unknown conversation ignored")
		return ErrNotFound
	}
	if _, exists := s.entries[newID]; exists {
		s.mu.Unlock()
		s.logger.Warn().Str("old_id", oldID).Str("new_id", newID).Msg("rename target already exists")
		return ErrConflict
	}

	delete(s.entries, oldID)
	e.conv.ID = newID
	e.conv.UpdatedAt = s.now()
	s.entries[newID] = e
	movedCurrent := s.currentID == oldID
	if movedCurrent {
		s.currentID = newID
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Str("old_id", oldID).Str("new_id", newID).Msg("conversation renamed")
	s.persist(snap)
	changes := []Change{{Kind: ChangeRenamed, ConversationID: newID, OldID: oldID}}
	if movedCurrent {
		changes = append(changes, Change{Kind: ChangeCurrent, ConversationID: newID})
	}
	s.notify(changes...)
	return nil
}

// DeleteConversation removes a conversation. If it was current, the newest
// remaining conversation becomes current, or none when the store is empty.
// It reports whether anything was deleted.
func (s *Store) DeleteConversation(id string) bool {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)

	wasCurrent := s.currentID == id
	if wasCurrent {
		s.currentID = ""
		if newest := s.newestLocked(); newest != nil {
			s.currentID = newest.conv.ID
		}
	}
	current := s.currentID
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("conversation_id", id).Str("current", current).Msg("conversation deleted")
	s.persist(snap)
	changes := []Change{{Kind: ChangeDeleted, ConversationID: id}}
	if wasCurrent {
		changes = append(changes, Change{Kind: ChangeCurrent, ConversationID: current})
	}
	s.notify(changes...)
	return true
}

// SetCurrent selects a conversation. An empty id clears the selection.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	if id != "" {
		if _, ok := s.entries[id]; !ok {
			s.mu.Unlock()
			return ErrNotFound
		}
	}
	changed := s.currentID != id
	s.currentID = id
	var snap *snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.persist(snap)
		s.notify(Change{Kind: ChangeCurrent, ConversationID: id})
	}
	return nil
}

// Current returns the selected conversation id. ok is false when nothing is
// selected.
func (s *Store) Current() (id string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID, s.currentID != ""
}

// SetTitle replaces a conversation title. The title is stored verbatim.
func (s *Store) SetTitle(id, title string) bool {
	return s.updateConversation(id, true, func(c *model.Conversation) {
		c.Title = title
	})
}

// SetTitleGenerating toggles the server title-generation indicator.
func (s *Store) SetTitleGenerating(id string, generating bool) bool {
	return s.updateConversation(id, false, func(c *model.Conversation) {
		c.TitleGenerating = generating
	})
}

// SetServerHistory records the server's opaque history for replay.
func (s *Store) SetServerHistory(id string, history []json.RawMessage) bool {
	h := model.Conversation{ServerHistory: history}.Clone().ServerHistory
	return s.updateConversation(id, true, func(c *model.Conversation) {
		c.ServerHistory = h
	})
}

// MarkConfirmed records that the server acknowledged id as a thread id.
func (s *Store) MarkConfirmed(id string) bool {
	return s.updateConversation(id, true, func(c *model.Conversation) {
		c.Confirmed = true
	})
}

func (s *Store) updateConversation(id string, save bool, fn func(*model.Conversation)) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("conversation_id", id).Msg("update of unknown conversation ignored")
		return false
	}
	fn(&e.conv)
	e.conv.ID = id
	e.conv.UpdatedAt = s.now()
	var snap *snapshot
	if save {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if save {
		s.persist(snap)
	}
	s.notify(Change{Kind: ChangeConversationUpdated, ConversationID: id})
	return true
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage adds msg to a conversation. It is a logged no-op when the
// conversation is gone, when the id is already used, or when msg would be a
// second unfinished assistant reply.
func (s *Store) AppendMessage(convID string, msg model.Message) bool {
	s.mu.Lock()
	e, ok := s.entries[convID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("conversation_id", convID).Str("message_id", msg.ID).Msg("append to unknown conversation ignored")
		return false
	}
	for _, m := range e.messages {
		if m.ID == msg.ID {
			s.mu.Unlock()
			s.logger.Warn().Str("message_id", msg.ID).Msg("duplicate message id ignored")
			return false
		}
		if msg.Role == model.RoleAssistant && !msg.Status.IsTerminal() &&
			m.Role == model.RoleAssistant && !m.Status.IsTerminal() {
			s.mu.Unlock()
			s.logger.Warn().Str("conversation_id", convID).Msg("conversation already has an unfinished reply")
			return false
		}
	}

	e.messages = append(e.messages, msg.Clone())
	e.conv.UpdatedAt = s.now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	s.notify(Change{Kind: ChangeMessageAppended, ConversationID: convID, MessageID: msg.ID})
	return true
}

// UpdateMessage replaces a message with fn applied to a copy of its current
// value. Terminal and user messages are frozen: fn is not called and false is
// returned. Missing conversations or messages are a logged no-op.
func (s *Store) UpdateMessage(convID, msgID string, fn func(model.Message) model.Message) bool {
	s.mu.Lock()
	e, ok := s.entries[convID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("conversation_id", convID).Str("message_id", msgID).Msg("update in unknown conversation ignored")
		return false
	}
	idx := -1
	for i := range e.messages {
		if e.messages[i].ID == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn().Str("conversation_id", convID).Str("message_id", msgID).Msg("update of unknown message ignored")
		return false
	}

	old := e.messages[idx]
	if old.Status.IsTerminal() || old.Role == model.RoleUser {
		s.mu.Unlock()
		return false
	}

	updated := fn(old.Clone())
	updated.ID = old.ID
	updated.Role = old.Role
	updated.CreatedAt = old.CreatedAt
	e.messages[idx] = updated
	e.conv.UpdatedAt = s.now()

	var snap *snapshot
	if updated.Status.IsTerminal() {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if snap != nil {
		s.persist(snap)
	}
	s.notify(Change{Kind: ChangeMessageUpdated, ConversationID: convID, MessageID: msgID})
	return true
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Conversation returns a copy of the conversation metadata.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv.Clone(), true
}

// Exists reports whether id is a known conversation.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Messages returns copies of a conversation's messages in order.
func (s *Store) Messages(id string) ([]model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	out := make([]model.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out, true
}

// Message returns a copy of one message.
func (s *Store) Message(convID, msgID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[convID]
	if !ok {
		return model.Message{}, false
	}
	for _, m := range e.messages {
		if m.ID == msgID {
			return m.Clone(), true
		}
	}
	return model.Message{}, false
}

// HasUnfinishedReply reports whether the conversation has an assistant
// message that has not reached a terminal state.
func (s *Store) HasUnfinishedReply(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	for _, m := range e.messages {
		if m.Role == model.RoleAssistant && !m.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// List returns all conversations, newest first.
func (s *Store) List() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := s.orderedLocked()
	out := make([]model.Conversation, len(ordered))
	for i, e := range ordered {
		out[i] = e.conv.Clone()
	}
	return out
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// orderedLocked sorts by creation time, newest first. Creation order breaks
// ties between conversations created within the same clock tick.
func (s *Store) orderedLocked() []*entry {
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.conv.CreatedAt.Equal(b.conv.CreatedAt) {
			return a.conv.CreatedAt.After(b.conv.CreatedAt)
		}
		return a.seq > b.seq
	})
	return out
}

func (s *Store) newestLocked() *entry {
	ordered := s.orderedLocked()
	if len(ordered) == 0 {
		return nil
	}
	return ordered[0]
}
