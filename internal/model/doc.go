// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the stream decoder,
// the conversation store and the chat engine.
//
// # Key Types
//
//   - Conversation: Metadata for one chat thread (id, title, server history)
//   - Message: Single turn with role, content and a streaming status
//   - Status: Message lifecycle (pending, streaming, done, error)
//   - RetrievedDoc / RetrievalContext: Knowledge-base evidence attached to answers
//
// # Lifecycle
//
// User messages are created done and never change. Assistant messages are
// created pending, move to streaming on the first status or content frame,
// and reach done or error exactly once:
//
//	msg := model.NewAssistantMessage()
//	msg = msg.WithContent("Hel").WithContent("lo")
//	msg = msg.Finish()
package model
