// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

// Authentication and authorization failures are surfaced to the invoking
// command unchanged so it can tell "not logged in" from "session expired"
// from "account disabled". Match them with errors.Is.
var (
	// ErrInvalidCredentials is returned for an unknown email and for a wrong
	// token alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountDisabled is returned when the user is deactivated or was
	// removed while a session was outstanding.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrRateLimitExceeded is returned while an identity is locked out.
	ErrRateLimitExceeded = errors.New("too many failed login attempts")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned once now >= expiresAt.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned after logout or a cascading revoke.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrPermissionDenied is returned when the session's role does not
	// satisfy the required role.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDuplicateUser is returned when the email is already registered.
	ErrDuplicateUser = errors.New("user already exists")

	// ErrUserNotFound is returned by admin operations on an unknown email.
	ErrUserNotFound = errors.New("user not found")

	// ErrStorageBusy is the transient lock-contention error. It is the same
	// value as storage.ErrBusy.
	ErrStorageBusy = storage.ErrBusy

	// ErrStorageCorruption is the fatal undecodable-state error. It is the
	// same value as storage.ErrCorrupt.
	ErrStorageCorruption = storage.ErrCorrupt

	// ErrBootstrapClosed is returned when a sessionless first-user
	// registration finds that users already exist.
	ErrBootstrapClosed = fmt.Errorf("%w: users already exist, log in as an admin", ErrPermissionDenied)

	// ErrInvalidRole is returned when parsing an unknown role name.
	ErrInvalidRole = errors.New("invalid role")
)

// RateLimitError carries how long the identity stays locked.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	mins := int(e.RetryAfter.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("%v; try again in %d minute(s)", ErrRateLimitExceeded, mins)
}

// Is reports ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// PermissionError names the role that was required and the role held.
type PermissionError struct {
	Email    string
	Held     Role
	Required Role
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%v: %s role required (%s has %s)", ErrPermissionDenied, e.Required, e.Email, e.Held)
}

// Is reports ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// CorruptionError names the damaged document.
// SECURITY: Corrupt auth state is never rewritten automatically; an admin
// must inspect it.
type CorruptionError struct {
	Document string
	Err      error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth store %s is corrupt (%v); contact an administrator", e.Document, e.Err)
	}
	return fmt.Sprintf("auth store %s is corrupt; contact an administrator", e.Document)
}

// Is reports ErrStorageCorruption.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrStorageCorruption
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// ValidationError reports a malformed user record or import entry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
