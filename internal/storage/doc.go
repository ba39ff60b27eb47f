// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key/value persistence backends used by the
// conversation store.
//
// The store serialises its whole state under one key, so a backend only has
// to implement Get, Set and Remove.
//
// # Backends
//
//   - FileKV: one JSON file per key, written atomically (default)
//   - SQLiteKV: a single-table SQLite database (modernc.org/sqlite, no cgo)
//   - MemoryKV: process-local map, used in tests and with storage.backend = "memory"
//
// # Usage
//
//	kv, err := storage.Open(storage.BackendFile, "~/.kbchat/state")
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
//
// # Storage Location
//
// By default state is kept in ~/.kbchat/state/ as JSON files.
package storage
