// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the authoritative in-memory state of all conversations.
//
// Store is the single source of truth for conversation metadata, messages and
// the current selection. Every mutation is one of a small set of operations,
// each atomic under the store lock. Readers get copies, never live pointers.
//
// # Key Operations
//
//   - CreateConversation / RenameConversation / DeleteConversation
//   - AppendMessage / UpdateMessage (pure updater functions)
//   - SetTitle, SetServerHistory, MarkConfirmed, SetTitleGenerating
//   - Subscribe for change notifications (called outside the lock)
//
// # Persistence
//
// When constructed with a storage.KV, the store serialises its state under a
// single key on structural changes and whenever a message reaches a terminal
// state. Streaming deltas are not written individually.
//
//	st := store.New(store.Options{KV: kv, Logger: log})
//	if err := st.Load(); err != nil {
//	    return err
//	}
//	id := st.CreateConversation("")
package store
