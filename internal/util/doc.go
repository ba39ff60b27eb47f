// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the storage, export and CLI
// packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateWidth: Terminal-width aware truncation (wide CJK runes count as 2)
//   - PadWidth: Pad a string to a display width for table output
//   - CleanTitle: Normalise a conversation title for storage and display
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	title := util.CleanTitle(serverTitle)
//	cell := util.PadWidth(util.TruncateWidth(title, 40), 40)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
