// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/storage"
)

// stateVersion is bumped on incompatible changes to persistedState.
const stateVersion = 1

type persistedState struct {
	Version       int                     `json:"version"`
	CurrentID     string                  `json:"current_id,omitempty"`
	Conversations []persistedConversation `json:"conversations"`
}

type persistedConversation struct {
	model.Conversation
	Messages []model.Message `json:"messages"`
}

type snapshot struct {
	gen  uint64
	data []byte
}

// snapshotLocked serialises the state. Returns nil without a KV.
func (s *Store) snapshotLocked() *snapshot {
	if s.kv == nil {
		return nil
	}

	ordered := s.orderedLocked()
	state := persistedState{
		Version:       stateVersion,
		CurrentID:     s.currentID,
		Conversations: make([]persistedConversation, 0, len(ordered)),
	}
	for _, e := range ordered {
		state.Conversations = append(state.Conversations, persistedConversation{
			Conversation: e.conv,
			Messages:     e.messages,
		})
	}

	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialise conversations")
		return nil
	}
	s.gen++
	return &snapshot{gen: s.gen, data: data}
}

// persist writes snap unless a newer snapshot was already written.
// Failures are logged; in-memory state stays authoritative.
func (s *Store) persist(snap *snapshot) {
	if snap == nil {
		return
	}
	if err := s.write(snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist conversations")
	}
}

func (s *Store) write(snap *snapshot) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if snap.gen <= s.savedGen {
		return nil
	}
	if err := s.kv.Set(s.key, snap.data); err != nil {
		return err
	}
	s.savedGen = snap.gen
	return nil
}

// Save writes the current state immediately.
func (s *Store) Save() error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if snap == nil {
		return nil
	}
	return s.write(snap)
}

// Load replaces the in-memory state with the persisted one. A missing key is
// an empty state. Assistant replies that were still streaming when the state
// was written are finalized: done if they have text, error otherwise.
func (s *Store) Load() error {
	if s.kv == nil {
		return nil
	}

	data, err := s.kv.Get(s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to decode conversations: %w", err)
	}
	if state.Version > stateVersion {
		return fmt.Errorf("conversation state version %d is newer than supported %d", state.Version, stateVersion)
	}

	entries := make(map[string]*entry, len(state.Conversations))
	recovered := 0
	n := len(state.Conversations)
	for i, pc := range state.Conversations {
		if pc.ID == "" || entries[pc.ID] != nil {
			s.logger.Warn().Str("conversation_id", pc.ID).Msg("skipping invalid persisted conversation")
			continue
		}
		msgs := pc.Messages
		for j, m := range msgs {
			if m.Role == model.RoleAssistant && !m.Status.IsTerminal() {
				if m.Content != "" {
					msgs[j] = m.Finish("")
				} else {
					msgs[j] = m.Fail(model.InterruptedMarker)
				}
				recovered++
			}
		}
		entries[pc.ID] = &entry{conv: pc.Conversation, messages: msgs, seq: uint64(n - i)}
	}

	s.mu.Lock()
	s.entries = entries
	s.seq = uint64(n)
	s.currentID = ""
	if _, ok := entries[state.CurrentID]; ok {
		s.currentID = state.CurrentID
	} else if newest := s.newestLocked(); newest != nil {
		s.currentID = newest.conv.ID
	}
	s.mu.Unlock()

	s.logger.Info().Int("conversations", len(entries)).Int("recovered_replies", recovered).Msg("conversations loaded")
	return nil
}
