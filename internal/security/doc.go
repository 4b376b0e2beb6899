// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements authentication and session control for the
// devops CLI.
//
// # Components
//
//   - CredentialStore: registered users and salted token digests
//   - RateLimiter: failed-login counting over a trailing window
//   - SessionManager: time-bounded sessions, refresh and revocation
//   - AuditLog: append-only, hash-chained record of security events
//   - AuthGate: the composition other commands call through
//
// # Shared State
//
// Every component is stateless between calls. State lives in named
// documents of a storage.Backend shared by every CLI process on the
// machine (and by workstations syncing the same auth directory). Writes
// take the document lock, read, modify and atomically replace; reads take
// no lock. Lock contention is retried once before ErrStorageBusy is
// returned. Expiry and lockout are evaluated when state is read; there are
// no timers or background goroutines.
//
// # Usage
//
//	backend, err := storage.Open(storage.KindFile, cfg.AuthDir)
//	gate, err := security.Open(backend, security.WithLogger(logger))
//	session, err := gate.Login(email, token)
//	ident, err := gate.ValidateAndAuthorize(session.ID, security.RoleAdmin)
//
// Errors are matched with errors.Is against the sentinels in errors.go.
package security
