// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the kbchat command line.
//
// Commands are built with cobra. Every command that talks to the server
// opens an App, which wires config, logging, storage, the conversation
// store, the backend client, the model catalog and the chat engine in that
// order and closes them in reverse.
//
//	kbchat chat                      interactive session
//	kbchat ask "what is X?"          one-shot question
//	kbchat conversations list        saved conversations
//	kbchat models --provider openai  available models
//	kbchat config show               effective configuration
//
// Output is colored only when stdout is a terminal. NO_COLOR and
// FORCE_COLOR are honored. The global --json flag switches list and
// status commands to machine-readable output.
package cli
