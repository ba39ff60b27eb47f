// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for kbchat.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides, validation and hot reload.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KBCHAT_*)
//   - $KBCHAT_CONFIG, or ~/.kbchat/config.toml
//   - ~/.kbchat/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	timeout := cfg.API.Timeout()
//
// Watch reloads the file when it changes on disk:
//
//	err := config.Watch(ctx, path, 0, func(cfg *config.Config, err error) { ... })
package config
