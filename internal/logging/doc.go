// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zerolog logger shared by every component.
//
// Logs go to a daily file under ~/.kbchat/logs and, when enabled, to stderr
// in zerolog's console format. Components derive child loggers with
// Component so every line carries a component field:
//
//	logger, err := logging.New(logging.Config{Dir: dir, Level: "info"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	engineLog := logger.Component("engine")
package logging
