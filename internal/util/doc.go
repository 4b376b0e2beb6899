// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the devops CLI packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe replace (temp file, fsync, rename, dir fsync)
//   - EnsurePrivateDir: create a directory restricted to the owning account
//
// Display Width:
//   - PadRight, TruncateWidth: column helpers for aligned tables
//
// # Usage
//
//	if err := util.EnsurePrivateDir(dir); err != nil {
//	    return err
//	}
//	err := util.AtomicWriteFile(filepath.Join(dir, "users.json"), data, 0600)
package util
