// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the cross-process persistence layer for auth state.
//
// Every CLI invocation is its own process, so users, sessions, the lockout
// window and the audit log are shared mutable documents on disk. A Backend
// serializes writers across processes and guarantees readers never observe a
// partially written document.
//
// # Key Types
//
//   - Backend: named documents with locked read-modify-write and append
//   - FileBackend: one file per document, flock-guarded, atomic rename
//   - SQLiteBackend: documents as rows in an embedded SQLite database
//
// # Usage
//
//	b, err := storage.Open("file", authDir, storage.WithLockTimeout(2*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	err = b.Update("users.json", func(cur []byte) ([]byte, error) {
//	    return mutate(cur)
//	})
//
// Lock contention past the timeout returns ErrBusy; callers decide whether
// to retry.
package storage
