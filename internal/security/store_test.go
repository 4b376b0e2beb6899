// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/devops-cli/internal/storage"
)

// busyBackend reports lock contention for the first busy writes and then
// delegates to the real backend.
type busyBackend struct {
	storage.Backend
	busy    int
	updates int
	appends int
}

func (b *busyBackend) Update(name string, fn storage.UpdateFunc) error {
	b.updates++
	if b.updates <= b.busy {
		return storage.ErrBusy
	}
	return b.Backend.Update(name, fn)
}

func (b *busyBackend) Append(name string, fn storage.AppendFunc) error {
	b.appends++
	if b.appends <= b.busy {
		return storage.ErrBusy
	}
	return b.Backend.Append(name, fn)
}

func TestWithRetry_UpdateBusyOnceSucceeds(t *testing.T) {
	b := &busyBackend{Backend: newTestBackend(t), busy: 1}
	backoff := 20 * time.Millisecond
	store := NewCredentialStore(b, WithRetryBackoff(backoff))

	start := time.Now()
	_, _, err := store.AddUser("dev@co.com", RoleDeveloper)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), backoff)
	assert.Equal(t, 2, b.updates)

	_, err = store.Get("dev@co.com")
	assert.NoError(t, err)
}

func TestWithRetry_UpdateBusyTwiceFails(t *testing.T) {
	b := &busyBackend{Backend: newTestBackend(t), busy: 2}
	store := NewCredentialStore(b, WithRetryBackoff(0))

	_, _, err := store.AddUser("dev@co.com", RoleDeveloper)
	assert.ErrorIs(t, err, ErrStorageBusy)
	assert.Equal(t, 2, b.updates, "retried exactly once")

	_, err = store.Get("dev@co.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestWithRetry_AppendBusyOnceSucceeds(t *testing.T) {
	b := &busyBackend{Backend: newTestBackend(t), busy: 1}
	log := NewAuditLog(b, testKey(t), WithRetryBackoff(0))

	require.NoError(t, log.Record("dev@co.com", ActionLogin, ResultSuccess, ""))
	assert.Equal(t, 2, b.appends)

	n, err := log.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithRetry_AppendBusyTwiceFails(t *testing.T) {
	b := &busyBackend{Backend: newTestBackend(t), busy: 2}
	log := NewAuditLog(b, testKey(t), WithRetryBackoff(0))

	err := log.Record("dev@co.com", ActionLogin, ResultSuccess, "")
	assert.ErrorIs(t, err, ErrStorageBusy)
	assert.Equal(t, 2, b.appends, "retried exactly once")

	n, err := log.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithRetry_OtherErrorsNotRetried(t *testing.T) {
	calls := 0
	err := withRetry(buildOptions(nil), UsersDocument, func() error {
		calls++
		return ErrUserNotFound
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 1, calls)
}
