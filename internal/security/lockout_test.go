// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the devops CLI authentication core.
//
// This file contains tests for failed-login rate limiting:
// - Trailing window counting and unlock time
// - Persistence across instances
// - Tamper detection on the signed state
package security

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *testClock, string) {
	t.Helper()
	clock := newTestClock()
	b := newTestBackend(t)
	return NewRateLimiter(b, testKey(t), WithClock(clock.Now), WithRetryBackoff(0)), clock, b.Path(LockoutDocument)
}

func TestRateLimiter_LocksAtThreshold(t *testing.T) {
	rl, clock, _ := newTestLimiter(t)

	for i := 1; i < DefaultMaxFailures; i++ {
		status, err := rl.RecordFailure("dev@co.com")
		require.NoError(t, err)
		assert.Equal(t, i, status.Failures)
		assert.False(t, status.Locked, "locked after %d failures", i)
		clock.Advance(time.Minute)
	}

	status, err := rl.RecordFailure("dev@co.com")
	require.NoError(t, err)
	assert.True(t, status.Locked)

	locked, retryAfter, err := rl.IsLocked("DEV@co.com")
	require.NoError(t, err)
	assert.True(t, locked)
	// The first failure was 4 minutes ago, so 11 minutes remain.
	assert.Equal(t, 11*time.Minute, retryAfter)
}

func TestRateLimiter_WindowElapses(t *testing.T) {
	rl, clock, _ := newTestLimiter(t)
	for i := 0; i < DefaultMaxFailures; i++ {
		_, err := rl.RecordFailure("dev@co.com")
		require.NoError(t, err)
	}

	clock.Advance(DefaultLockoutWindow - time.Second)
	locked, _, err := rl.IsLocked("dev@co.com")
	require.NoError(t, err)
	assert.True(t, locked)

	clock.Advance(time.Second)
	locked, retryAfter, err := rl.IsLocked("dev@co.com")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Zero(t, retryAfter)
}

func TestRateLimiter_SlidingUnlock(t *testing.T) {
	rl, clock, _ := newTestLimiter(t)

	// Failures at 0, 5, 6, 7, 8 minutes.
	_, err := rl.RecordFailure("dev@co.com")
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	for i := 0; i < 4; i++ {
		_, err := rl.RecordFailure("dev@co.com")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	// At 15 minutes the first failure ages out and four remain.
	clock.Advance(6 * time.Minute)
	status, err := rl.Status("dev@co.com")
	require.NoError(t, err)
	assert.Equal(t, 4, status.Failures)
	assert.False(t, status.Locked)
}

func TestRateLimiter_RecordSuccessClears(t *testing.T) {
	rl, _, _ := newTestLimiter(t)
	for i := 0; i < 3; i++ {
		_, err := rl.RecordFailure("dev@co.com")
		require.NoError(t, err)
	}
	require.NoError(t, rl.RecordSuccess("dev@co.com"))

	status, err := rl.Status("dev@co.com")
	require.NoError(t, err)
	assert.Zero(t, status.Failures)
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	rl, _, _ := newTestLimiter(t)
	for i := 0; i < DefaultMaxFailures; i++ {
		_, err := rl.RecordFailure("attacker-target@co.com")
		require.NoError(t, err)
	}
	locked, _, err := rl.IsLocked("other@co.com")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRateLimiter_UnlockAndList(t *testing.T) {
	rl, clock, _ := newTestLimiter(t)
	for _, id := range []string{"a@co.com", "b@co.com"} {
		for i := 0; i < DefaultMaxFailures; i++ {
			_, err := rl.RecordFailure(id)
			require.NoError(t, err)
		}
		clock.Advance(time.Minute)
	}

	locked, err := rl.ListLocked()
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, "a@co.com", locked[0].Identity)

	wasLocked, err := rl.Unlock("a@co.com")
	require.NoError(t, err)
	assert.True(t, wasLocked)

	wasLocked, err = rl.Unlock("a@co.com")
	require.NoError(t, err)
	assert.False(t, wasLocked)

	locked, err = rl.ListLocked()
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "b@co.com", locked[0].Identity)
}

func TestRateLimiter_PersistsAcrossInstances(t *testing.T) {
	clock := newTestClock()
	b := newTestBackend(t)
	key := testKey(t)

	first := NewRateLimiter(b, key, WithClock(clock.Now))
	for i := 0; i < DefaultMaxFailures; i++ {
		_, err := first.RecordFailure("dev@co.com")
		require.NoError(t, err)
	}

	second := NewRateLimiter(b, key, WithClock(clock.Now))
	locked, _, err := second.IsLocked("dev@co.com")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestRateLimiter_StateIsSigned(t *testing.T) {
	rl, _, path := newTestLimiter(t)
	_, err := rl.RecordFailure("dev@co.com")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), lockoutTrailerSize)

	var doc lockoutDocument
	require.NoError(t, json.Unmarshal(data[:len(data)-lockoutTrailerSize], &doc))
	assert.Len(t, doc.Identities["dev@co.com"].Failures, 1)
}

func TestRateLimiter_TamperIsCorruption(t *testing.T) {
	rl, _, path := newTestLimiter(t)
	for i := 0; i < DefaultMaxFailures; i++ {
		_, err := rl.RecordFailure("dev@co.com")
		require.NoError(t, err)
	}

	// Hand-edit the window to escape the lockout, keeping the old trailer.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trailer := data[len(data)-lockoutTrailerSize:]
	forged, err := json.Marshal(lockoutDocument{Version: 1, Identities: map[string]*FailureWindow{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(forged, trailer...), 0600))

	_, _, err = rl.IsLocked("dev@co.com")
	assert.ErrorIs(t, err, ErrStorageCorruption)
	_, err = rl.RecordFailure("dev@co.com")
	assert.ErrorIs(t, err, ErrStorageCorruption)

	// Corrupt state is left for an administrator.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, append(forged, trailer...), after)
}

func TestRateLimiter_WrongKeyIsCorruption(t *testing.T) {
	clock := newTestClock()
	b := newTestBackend(t)
	rl := NewRateLimiter(b, testKey(t), WithClock(clock.Now))
	_, err := rl.RecordFailure("dev@co.com")
	require.NoError(t, err)

	other, err := NewInstallationKey([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	_, err = NewRateLimiter(b, other, WithClock(clock.Now)).Status("dev@co.com")
	assert.ErrorIs(t, err, ErrStorageCorruption)
}

func TestRateLimiter_ConcurrentFailuresAreAllCounted(t *testing.T) {
	clock := newTestClock()
	b := newTestBackend(t)
	key := testKey(t)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate instances share only the backend, like separate processes.
			rl := NewRateLimiter(b, key, WithClock(clock.Now), WithMaxFailures(100))
			_, err := rl.RecordFailure("dev@co.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rl := NewRateLimiter(b, key, WithClock(clock.Now), WithMaxFailures(100))
	status, err := rl.Status("dev@co.com")
	require.NoError(t, err)
	assert.Equal(t, workers, status.Failures)
}
