// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and execution for devops.
//
// Two command groups sit on top of the security package:
//
//   - auth: login, logout, status, whoami, refresh
//   - admin: user management, sessions, lockout, bulk import/export and
//     audit review
//   - config: show the effective configuration or write a default file
//
// # Usage
//
//	cmd, args := cli.Parse()
//	os.Exit(cli.GetExitCode(cli.Run(cmd, args)))
//
// Handlers receive an Env holding the loaded config, logger, auth gate and
// the current workstation session. Output goes to Env.Out and Env.ErrOut;
// every command also accepts --json.
//
// Exit codes are stable: 2 bad credentials, 3 locked or disabled, 4 not
// authenticated or not permitted, 5 store busy, 6 store corrupt, 7 user not
// found, 64 usage error.
package cli
