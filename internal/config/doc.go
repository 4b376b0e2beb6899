// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the devops CLI auth core.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (DEVOPS_*)
//   - ~/.devops-cli/.env
//   - ~/.devops-cli/config.toml (or --config PATH)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	ttl := cfg.Auth.SessionDuration()
package config
